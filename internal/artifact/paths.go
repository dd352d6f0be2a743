// File: internal/artifact/paths.go

// Package artifact generates collision-free, traversal-safe names and paths
// for job artifacts and job-scoped directories. Every path composed from a
// caller-controlled segment goes through this package before any filesystem
// operation.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// jobIDRe accepts UUID-shaped identifiers only; a job id is used as a
	// path segment, so anything else is treated as injection.
	jobIDRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	repeatedSeps = regexp.MustCompile(`[-_.]{2,}`)
)

// ValidJobID reports whether id is safe to use as a directory name.
func ValidJobID(id string) bool {
	return jobIDRe.MatchString(id)
}

// SanitizeBase collapses an untrusted name into a safe filename fragment:
// disallowed runes become "-", runs of separators collapse to one, and
// leading/trailing separators are trimmed. May return "".
func SanitizeBase(name string) string {
	s := unsafeChars.ReplaceAllString(name, "-")
	s = repeatedSeps.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_.")
}

// ScreenshotFilename sanitizes a caller-supplied screenshot name and forces
// the canonical .png extension. An empty-after-sanitizing name gets a
// default.
func ScreenshotFilename(name string) string {
	base := SanitizeBase(strings.TrimSuffix(name, ".png"))
	if base == "" {
		base = "screenshot"
	}
	return base + ".png"
}

// ResolveUnder joins root with the given segments and verifies the result
// stays strictly inside root. It rejects any resolution landing outside,
// including via ".." segments, before any filesystem operation occurs.
func ResolveUnder(root string, segments ...string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %q: %w", root, err)
	}
	joined := filepath.Join(append([]string{absRoot}, segments...)...)
	resolved := filepath.Clean(joined)
	if !strings.HasPrefix(resolved, absRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes root %q", filepath.Join(segments...), root)
	}
	return resolved, nil
}

// UniquePath returns a path for filename inside dir that does not collide
// with an existing file, appending a numeric suffix before the extension
// until a free name is found ("shot.png", "shot-1.png", "shot-2.png", ...).
func UniquePath(dir, filename string) (string, string, error) {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	candidate := filename
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, candidate, nil
		} else if err != nil && !os.IsExist(err) {
			return "", "", fmt.Errorf("failed to probe %q: %w", path, err)
		}
	}
}

// JobDirs creates and returns the output and tmp directories scoped to a
// job. The job id is validated before any path is built from it.
func JobDirs(outputRoot, tmpRoot, jobID string) (outDir, tmpDir string, err error) {
	if !ValidJobID(jobID) {
		return "", "", fmt.Errorf("invalid job id %q", jobID)
	}
	outDir, err = ResolveUnder(outputRoot, jobID)
	if err != nil {
		return "", "", err
	}
	tmpDir, err = ResolveUnder(tmpRoot, jobID)
	if err != nil {
		return "", "", err
	}
	if err = os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output dir: %w", err)
	}
	if err = os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create tmp dir: %w", err)
	}
	return outDir, tmpDir, nil
}
