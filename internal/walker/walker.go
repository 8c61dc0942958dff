// Package walker enumerates a local directory tree into typed metadata
// records for the scanner. Per-entry failures are collected, never
// fatal: one unreadable subdirectory must not abort a whole scan.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

// Entry is one walked file or directory. RelPath is slash-separated
// and relative to the walk root.
type Entry struct {
	RelPath     string `json:"rel_path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Mtime       int64  `json:"mtime"` // unix seconds
	IsDirectory bool   `json:"is_directory"`
	Mode        string `json:"mode"`
}

// EntryError records a path that could not be inspected.
type EntryError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result is the outcome of one walk.
type Result struct {
	Files     []Entry      `json:"files"`
	Errors    []EntryError `json:"errors"`
	TotalSize int64        `json:"total_size"`
}

// Options tune the walk. Zero MaxDepth means unlimited.
type Options struct {
	IncludeHidden   bool
	FollowSymlinks  bool
	MaxDepth        int
	IncludePatterns []string
	ExcludePatterns []string
}

type walker struct {
	root    string
	opts    Options
	res     *Result
	visited map[string]struct{} // realpaths seen while following symlinks
}

// Walk enumerates root per opts. Directories are emitted with size 0;
// their aggregates are the scanner's job.
func Walk(root string, opts Options) (*Result, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeValidation, err, "resolve walk root")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeNotFound, err, "walk root %s", abs)
	}
	if !info.IsDir() {
		return nil, errdefs.New(errdefs.CodeValidation, "walk root %s is not a directory", abs)
	}

	w := &walker{root: abs, opts: opts, res: &Result{}}
	if opts.FollowSymlinks {
		w.visited = make(map[string]struct{})
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			w.visited[real] = struct{}{}
		}
	}
	w.walkDir(abs, "", 1)
	return w.res, nil
}

func (w *walker) walkDir(dir, rel string, depth int) {
	if w.opts.MaxDepth > 0 && depth > w.opts.MaxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.fail(dir, err)
		return
	}

	for _, de := range entries {
		name := de.Name()
		if !w.opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}

		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		childAbs := filepath.Join(dir, name)

		info, isDir, ok := w.resolve(de, childAbs)
		if !ok {
			continue
		}

		if !isDir && !w.match(name, childRel) {
			continue
		}

		entry := Entry{
			RelPath:     childRel,
			Name:        name,
			Mtime:       info.ModTime().Unix(),
			IsDirectory: isDir,
			Mode:        info.Mode().Perm().String(),
		}
		if !isDir {
			entry.Size = info.Size()
			w.res.TotalSize += entry.Size
		}
		w.res.Files = append(w.res.Files, entry)

		if isDir {
			w.walkDir(childAbs, childRel, depth+1)
		}
	}
}

// resolve stats one directory entry, honoring the symlink policy.
// Symlinks are never followed unless enabled, and followed targets are
// deduplicated by real path to break loops.
func (w *walker) resolve(de fs.DirEntry, abs string) (fs.FileInfo, bool, bool) {
	if de.Type()&fs.ModeSymlink == 0 {
		info, err := de.Info()
		if err != nil {
			w.fail(abs, err)
			return nil, false, false
		}
		return info, de.IsDir(), true
	}

	if !w.opts.FollowSymlinks {
		return nil, false, false
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		w.fail(abs, err)
		return nil, false, false
	}
	if _, seen := w.visited[real]; seen {
		return nil, false, false
	}
	w.visited[real] = struct{}{}

	info, err := os.Stat(abs)
	if err != nil {
		w.fail(abs, err)
		return nil, false, false
	}
	return info, info.IsDir(), true
}

// match applies include then exclude globs against both the bare name
// and the relative path, case-insensitively.
func (w *walker) match(name, rel string) bool {
	if len(w.opts.IncludePatterns) > 0 && !matchAny(w.opts.IncludePatterns, name, rel) {
		return false
	}
	if matchAny(w.opts.ExcludePatterns, name, rel) {
		return false
	}
	return true
}

func matchAny(patterns []string, name, rel string) bool {
	lowName := strings.ToLower(name)
	lowRel := strings.ToLower(rel)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if ok, err := doublestar.Match(p, lowName); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(p, lowRel); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *walker) fail(path string, err error) {
	w.res.Errors = append(w.res.Errors, EntryError{Path: path, Error: err.Error()})
}
