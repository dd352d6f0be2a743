// File: internal/assetfetch/fetcher.go

// Package assetfetch downloads remote assets with strict content-type and
// byte-size limits. It is safe to call from any component: the domain
// allowlist is re-checked here regardless of upstream validation.
package assetfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/allowlist"
	"github.com/xkilldash9x/stagehand/internal/artifact"
)

// Sentinel conditions callers can distinguish with errors.Is.
var (
	ErrDownloadTimeout = errors.New("download timed out")
	ErrTooLarge        = errors.New("asset exceeds byte limit")
	ErrBadContentType  = errors.New("asset content type not permitted")
	ErrEmptyBody       = errors.New("asset body is empty")
	ErrBadStatus       = errors.New("asset request failed")
)

// extByType maps permitted MIME types to their canonical file extension.
// Unrecognized image/* types fall back to extFallback.
var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/avif": ".avif",
	"image/bmp":  ".bmp",
}

// audioExtByType is the equivalent table for audio downloads.
var audioExtByType = map[string]string{
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
}

const extFallback = ".img"
const audioExtFallback = ".audio"

// Result describes one successfully downloaded asset.
type Result struct {
	Path        string
	Filename    string
	ContentType string
	Bytes       int64
}

// Fetcher downloads assets over HTTP with streaming size enforcement.
type Fetcher struct {
	client *http.Client
	log    *zap.Logger
}

// New builds a fetcher. The client's own timeout stays unset; each fetch is
// bounded by its context instead.
func New(logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{},
		log:    logger.Named("assetfetch"),
	}
}

// Fetch downloads an image at rawURL into destDir, enforcing the domain
// allowlist, an overall timeout, a MIME allowlist, and maxBytes with a
// streaming cutoff. On any failure no partial file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string, maxBytes int64, timeout time.Duration, allow *allowlist.Allowlist) (*Result, error) {
	return f.fetch(ctx, rawURL, destDir, maxBytes, timeout, allow, "image/", extByType, extFallback)
}

// FetchAudio is Fetch for audio tracks.
func (f *Fetcher) FetchAudio(ctx context.Context, rawURL, destDir string, maxBytes int64, timeout time.Duration, allow *allowlist.Allowlist) (*Result, error) {
	return f.fetch(ctx, rawURL, destDir, maxBytes, timeout, allow, "audio/", audioExtByType, audioExtFallback)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, destDir string, maxBytes int64, timeout time.Duration, allow *allowlist.Allowlist, typePrefix string, extTable map[string]string, fallbackExt string) (*Result, error) {
	if err := allow.Check(rawURL); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", rawURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if fetchCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrDownloadTimeout, timeout, err)
		}
		return nil, fmt.Errorf("request to %q failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d from %q", ErrBadStatus, resp.StatusCode, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, typePrefix) {
		return nil, fmt.Errorf("%w: %q", ErrBadContentType, contentType)
	}

	// Reject on the declared length before reading anything.
	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	filename := deriveFilename(rawURL, mediaType, extTable, fallbackExt)
	destPath := filepath.Join(destDir, filename)

	written, err := f.streamToFile(fetchCtx, resp.Body, destPath, maxBytes)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		os.Remove(destPath)
		return nil, fmt.Errorf("%w: %q", ErrEmptyBody, rawURL)
	}

	f.log.Debug("Asset downloaded.",
		zap.String("url", rawURL), zap.Int64("bytes", written), zap.String("content_type", mediaType))

	return &Result{
		Path:        destPath,
		Filename:    filename,
		ContentType: mediaType,
		Bytes:       written,
	}, nil
}

// streamToFile copies body to destPath, aborting and deleting the partial
// file the instant cumulative bytes exceed maxBytes. The limit is enforced
// during streaming so an adversarial response without a length header cannot
// exhaust disk or memory.
func (f *Fetcher) streamToFile(ctx context.Context, body io.Reader, destPath string, maxBytes int64) (int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", destPath, err)
	}

	// Read one byte past the limit so an exactly-at-limit body succeeds.
	written, err := io.Copy(out, io.LimitReader(body, maxBytes+1))
	closeErr := out.Close()

	switch {
	case err != nil:
		os.Remove(destPath)
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %v", ErrDownloadTimeout, err)
		}
		return 0, fmt.Errorf("download failed: %w", err)
	case closeErr != nil:
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to finish writing %q: %w", destPath, closeErr)
	case written > maxBytes:
		os.Remove(destPath)
		return 0, fmt.Errorf("%w: limit %d", ErrTooLarge, maxBytes)
	}
	return written, nil
}

// deriveFilename builds a safe destination filename from the URL path,
// choosing the extension from the content-type table.
func deriveFilename(rawURL, mediaType string, extTable map[string]string, fallbackExt string) string {
	ext, ok := extTable[mediaType]
	if !ok {
		ext = fallbackExt
	}

	base := "upload"
	if u, err := url.Parse(rawURL); err == nil {
		b := path.Base(u.Path)
		b = strings.TrimSuffix(b, path.Ext(b))
		if s := artifact.SanitizeBase(b); s != "" {
			base = s
		}
	}
	return base + ext
}
