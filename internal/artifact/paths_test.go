// File: internal/artifact/paths_test.go
package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidJobID(t *testing.T) {
	assert.True(t, ValidJobID(uuid.New().String()))
	assert.True(t, ValidJobID("01234567-89ab-cdef-0123-456789abcdef"))

	for _, id := range []string{
		"",
		"not-a-uuid",
		"../../../etc",
		"01234567-89ab-cdef-0123-456789abcde",   // too short
		"01234567-89ab-cdef-0123-456789abcdef0", // too long
		"0123456789abcdef0123456789abcdef",      // no dashes
	} {
		assert.False(t, ValidJobID(id), "id %q should be invalid", id)
	}
}

func TestScreenshotFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"home", "home.png"},
		{"home.png", "home.png"},
		{"my shot!", "my-shot.png"},
		{"..__weird--name..", "weird-name.png"},
		{"шапка", "screenshot.png"},
		{"", "screenshot.png"},
		{"---", "screenshot.png"},
		{"a/b\\c", "a-b-c.png"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ScreenshotFilename(tc.in))
		})
	}
}

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	path, err := ResolveUnder(root, "job", "shot.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "job", "shot.png"), path)

	for _, segs := range [][]string{
		{".."},
		{"..", "escape"},
		{"job", "..", "..", "escape"},
		{"/absolute"},
	} {
		_, err := ResolveUnder(root, segs...)
		assert.Error(t, err, "segments %v should be rejected", segs)
	}

	// The root itself is not a valid artifact target.
	_, err = ResolveUnder(root, ".")
	assert.Error(t, err)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	p1, name1, err := UniquePath(dir, "shot.png")
	require.NoError(t, err)
	assert.Equal(t, "shot.png", name1)
	require.NoError(t, os.WriteFile(p1, []byte("a"), 0o644))

	p2, name2, err := UniquePath(dir, "shot.png")
	require.NoError(t, err)
	assert.Equal(t, "shot-1.png", name2)
	require.NoError(t, os.WriteFile(p2, []byte("b"), 0o644))

	_, name3, err := UniquePath(dir, "shot.png")
	require.NoError(t, err)
	assert.Equal(t, "shot-2.png", name3)
}

func TestJobDirs(t *testing.T) {
	outRoot := t.TempDir()
	tmpRoot := t.TempDir()

	t.Run("creates both directories", func(t *testing.T) {
		id := uuid.New().String()
		outDir, tmpDir, err := JobDirs(outRoot, tmpRoot, id)
		require.NoError(t, err)
		assert.DirExists(t, outDir)
		assert.DirExists(t, tmpDir)
		assert.Equal(t, filepath.Join(outRoot, id), outDir)
		assert.Equal(t, filepath.Join(tmpRoot, id), tmpDir)
	})

	t.Run("rejects forged job ids", func(t *testing.T) {
		_, _, err := JobDirs(outRoot, tmpRoot, "../escape")
		require.Error(t, err)
		assert.NoDirExists(t, filepath.Join(filepath.Dir(outRoot), "escape"))
	})
}
