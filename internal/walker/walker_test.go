package walker

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func relPaths(res *Result) []string {
	paths := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		paths = append(paths, f.RelPath)
	}
	return paths
}

func TestWalkBasic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), 100)
	writeFile(t, filepath.Join(root, "dir", "b.txt"), 200)

	res, err := Walk(root, Options{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "dir", "dir/b.txt"}, relPaths(res))
	assert.Equal(t, int64(300), res.TotalSize)
	assert.Empty(t, res.Errors)

	for _, f := range res.Files {
		if f.IsDirectory {
			assert.Zero(t, f.Size, "directories carry size 0")
		}
	}
}

func TestWalkHiddenFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), 10)
	writeFile(t, filepath.Join(root, ".config", "c.txt"), 10)
	writeFile(t, filepath.Join(root, "plain.txt"), 10)

	res, err := Walk(root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"plain.txt"}, relPaths(res))

	res, err = Walk(root, Options{IncludeHidden: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".hidden", ".config", ".config/c.txt", "plain.txt"}, relPaths(res))
}

func TestWalkMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "1.txt"), 1)
	writeFile(t, filepath.Join(root, "d1", "2.txt"), 1)
	writeFile(t, filepath.Join(root, "d1", "d2", "3.txt"), 1)

	res, err := Walk(root, Options{MaxDepth: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.txt", "d1", "d1/2.txt", "d1/d2"}, relPaths(res))
}

func TestWalkPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "movie.MKV"), 1)
	writeFile(t, filepath.Join(root, "movie.tmp"), 1)
	writeFile(t, filepath.Join(root, "notes.txt"), 1)

	res, err := Walk(root, Options{IncludePatterns: []string{"*.mkv", "*.txt"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"movie.MKV", "notes.txt"}, relPaths(res))

	res, err = Walk(root, Options{ExcludePatterns: []string{"*.tmp"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"movie.MKV", "notes.txt"}, relPaths(res))
}

func TestWalkSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real", "f.txt"), 5)
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")))
	// A loop back to the root itself.
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	res, err := Walk(root, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"real", "real/f.txt"}, relPaths(res), "symlinks skipped by default")

	res, err = Walk(root, Options{FollowSymlinks: true})
	require.NoError(t, err)
	paths := relPaths(res)
	assert.Contains(t, paths, "link")
	assert.Contains(t, paths, "link/f.txt")
	assert.NotContains(t, paths, "loop/real", "loop must not recurse")
}

func TestWalkCollectsErrors(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission failures need a non-root unix user")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), 1)
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	writeFile(t, filepath.Join(locked, "secret.txt"), 1)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	res, err := Walk(root, Options{})
	require.NoError(t, err)
	assert.Contains(t, relPaths(res), "ok.txt")
	assert.NotEmpty(t, res.Errors)
}

func TestWalkRejectsBadRoots(t *testing.T) {
	_, err := Walk(filepath.Join(t.TempDir(), "missing"), Options{})
	assert.Error(t, err)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.txt"), 1)
	_, err = Walk(filepath.Join(root, "f.txt"), Options{})
	assert.Error(t, err)
}
