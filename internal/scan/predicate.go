package scan

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tidesync/tidesync/internal/store"
)

// Match reports whether the auto-queue predicate accepts a record.
// Patterns match against the bare filename or the relative path, so a
// flat glob like *.txt reaches nested files; matching is
// case-insensitive unless the job says otherwise. Exclusions always
// win over inclusions.
func Match(cfg store.AutoQueue, rec *store.FileRecord) bool {
	size := rec.RemoteSize
	if !rec.RemoteExists {
		size = rec.LocalSize
	}
	if cfg.MinSize > 0 && size < cfg.MinSize {
		return false
	}
	if cfg.MaxSize > 0 && size > cfg.MaxSize {
		return false
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(rec.Filename)), ".")
	if len(cfg.IncludeExtensions) > 0 && !containsFold(cfg.IncludeExtensions, ext) {
		return false
	}
	if containsFold(cfg.ExcludeExtensions, ext) {
		return false
	}

	name := rec.Filename
	rel := rec.RelativePath
	if !cfg.CaseSensitive {
		name = strings.ToLower(name)
		rel = strings.ToLower(rel)
	}
	if matchesAny(cfg.ExcludePatterns, name, rel, cfg.CaseSensitive) {
		return false
	}
	if len(cfg.IncludePatterns) > 0 {
		return matchesAny(cfg.IncludePatterns, name, rel, cfg.CaseSensitive)
	}
	return true
}

// matchesAny tests each glob against the bare name and the relative
// path. doublestar's * stops at /, so the name check is what lets a
// flat pattern accept files inside subdirectories.
func matchesAny(patterns []string, name, rel string, caseSensitive bool) bool {
	for _, pat := range patterns {
		if !caseSensitive {
			pat = strings.ToLower(pat)
		}
		// Invalid patterns never match; validation happens when the
		// job is saved.
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, ext string) bool {
	for _, e := range list {
		if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
			return true
		}
	}
	return false
}
