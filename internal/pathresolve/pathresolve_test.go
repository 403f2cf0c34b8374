package pathresolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PlainFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	p, err := Resolve(root, "/a.txt", Options{})
	require.NoError(t, err)
	rootReal, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, filepath.Join(rootReal, "a.txt"), p)
}

func TestResolve_NotFound(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(root, "/missing.txt", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	_, err := Resolve(root, "/link.txt", Options{})
	assert.ErrorIs(t, err, ErrSymlinkEscape)
}

func TestResolve_SymlinkWithinRootOK(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real", "f.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")))

	p, err := Resolve(root, "/alias/f.txt", Options{})
	require.NoError(t, err)
	assert.FileExists(t, p)
}

func TestResolve_AllowNonexistentLeaf(t *testing.T) {
	root := t.TempDir()
	p, err := Resolve(root, "/newfile.bin", Options{AllowNonexistentLeaf: true})
	require.NoError(t, err)
	rootReal, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, filepath.Join(rootReal, "newfile.bin"), p)
}

func TestResolve_RejectsDotSegments(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(root, "/../escape", Options{})
	assert.ErrorIs(t, err, ErrInvalidSegment)
}
