// Package source implements the SourceEnumerate stage: expanding finders,
// directories, and explicit file lists into a deduplicated, deterministically
// ordered set of bundle entries.
package source

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Entry is a single (localPath, bundlePath) pair destined for the archive.
type Entry struct {
	LocalPath  string // absolute path on disk
	BundlePath string // forward-slash path inside the bundle, never leading '/'
}

// MapEntry is one (prefix, replacement) rewrite rule. The first matching
// prefix in declaration order wins.
type MapEntry struct {
	Prefix      string
	Replacement string
}

// MapFile applies ordered prefix-rewrite rules to a relative path. Paths that
// match no prefix are returned unchanged (still forward-slash normalized).
type MapFile struct {
	Entries []MapEntry
}

// Apply rewrites rel according to the first matching prefix.
func (m MapFile) Apply(rel string) string {
	rel = filepathToSlash(rel)
	for _, e := range m.Entries {
		prefix := filepathToSlash(e.Prefix)
		if prefix == "" {
			continue
		}
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			rest := strings.TrimPrefix(rel, prefix)
			replacement := strings.Trim(filepathToSlash(e.Replacement), "/")
			if replacement == "" {
				return strings.TrimPrefix(rest, "/")
			}
			return replacement + rest
		}
	}
	return rel
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// FinderConfig mirrors one `finder`/`finder-bin` declaration in box.json. It
// is interpreted directly by Enumerate rather than delegating to an external
// fluent-builder finder library (SPEC_FULL.md §9).
type FinderConfig struct {
	In             []string
	Name           []string // glob patterns, any match includes
	NotName        []string // glob patterns, any match excludes
	PathContains   []string
	NotPathContains []string
	Depth          int // 0 means unlimited
	Exclude        []string
	IgnoreVCS      bool
	IgnoreDotFiles bool
}

// DefaultFinderConfig returns a FinderConfig with the documented defaults.
func DefaultFinderConfig() FinderConfig {
	return FinderConfig{IgnoreVCS: true, IgnoreDotFiles: true}
}

// Normalize forward-slash-normalizes bp, stripping any leading slash and
// rejecting "." / ".." path segments.
func Normalize(bp string) (string, error) {
	bp = filepathToSlash(bp)
	bp = strings.TrimPrefix(bp, "/")
	for _, seg := range strings.Split(bp, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("bundle path %q contains a %q segment", bp, seg)
		}
	}
	cleaned := path.Clean(bp)
	if cleaned == "." {
		return "", fmt.Errorf("empty bundle path")
	}
	return cleaned, nil
}

// Dedup sorts entries lexicographically by BundlePath and fails if two
// different LocalPaths collide on the same BundlePath.
func Dedup(entries []Entry) ([]Entry, error) {
	byBundle := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if existing, ok := byBundle[e.BundlePath]; ok {
			if existing.LocalPath != e.LocalPath {
				return nil, fmt.Errorf("conflicting source paths for bundle path %q: %s and %s",
					e.BundlePath, existing.LocalPath, e.LocalPath)
			}
			continue
		}
		byBundle[e.BundlePath] = e
		order = append(order, e.BundlePath)
	}
	sort.Strings(order)
	out := make([]Entry, len(order))
	for i, bp := range order {
		out[i] = byBundle[bp]
	}
	return out, nil
}
