package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/boxbuild/box/internal/errs"
)

// alwaysExcludedDirs matches default-excluded directory names regardless of
// finder configuration (SPEC_FULL.md §4.1).
var alwaysExcludedDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
}

// EnumerateRequest bundles the inputs Enumerate needs from BuildConfig
// without creating an import cycle with the config package.
type EnumerateRequest struct {
	Fs            afero.Fs
	BasePath      string
	ExplicitFiles []Entry
	Directories   []string
	Finders       []FinderConfig
	Blacklist     []string
	Map           MapFile
	// ExtraExcluded holds paths excluded regardless of finder configuration.
	// The build passes the output file and the temp output file; the config
	// file and the builder executable are not in this list and are not
	// excluded by it.
	ExtraExcluded []string
}

// Enumerate runs the SourceEnumerate stage: finders, directories, and
// explicit files are expanded, mapped, deduplicated, and sorted.
func Enumerate(req EnumerateRequest) ([]Entry, error) {
	fs := req.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	var collected []Entry
	collected = append(collected, req.ExplicitFiles...)

	for _, dir := range req.Directories {
		entries, err := walk(fs, req.BasePath, dir, DefaultFinderConfig(), req.Blacklist, req.ExtraExcluded)
		if err != nil {
			return nil, err
		}
		collected = append(collected, entries...)
	}

	for _, finder := range req.Finders {
		for _, in := range finder.In {
			entries, err := walk(fs, req.BasePath, in, finder, req.Blacklist, req.ExtraExcluded)
			if err != nil {
				return nil, err
			}
			collected = append(collected, entries...)
		}
	}

	for i := range collected {
		if collected[i].BundlePath != "" {
			continue // explicit entries may already carry a bundle path
		}
		rel, err := filepath.Rel(req.BasePath, collected[i].LocalPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrUnreadableSource, err)
		}
		collected[i].BundlePath = req.Map.Apply(filepath.ToSlash(rel))
	}

	for _, e := range collected {
		if _, err := fs.Stat(e.LocalPath); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrUnreadableSource, e.LocalPath, err)
		}
	}

	deduped, err := Dedup(collected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConflictingSourcePaths, err)
	}
	return deduped, nil
}

// walk applies one finder configuration (or the bare directory defaults) to
// root, returning every matching regular file as an Entry with no
// BundlePath set yet.
func walk(fs afero.Fs, basePath, root string, finder FinderConfig, blacklist, extraExcluded []string) ([]Entry, error) {
	absRoot := root
	if !filepath.IsAbs(absRoot) {
		absRoot = filepath.Join(basePath, root)
	}

	var out []Entry
	depth := func(p string) int {
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return 0
		}
		if rel == "." {
			return 0
		}
		return len(strings.Split(filepath.ToSlash(rel), "/"))
	}

	err := afero.Walk(fs, absRoot, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		name := info.Name()
		if info.IsDir() {
			if p == absRoot {
				return nil
			}
			if finder.IgnoreVCS && alwaysExcludedDirs[name] {
				return filepath.SkipDir
			}
			if finder.IgnoreDotFiles && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if matchesAny(finder.Exclude, name) {
				return filepath.SkipDir
			}
			if finder.Depth > 0 && depth(p) >= finder.Depth {
				return filepath.SkipDir
			}
			return nil
		}

		if finder.IgnoreDotFiles && strings.HasPrefix(name, ".") {
			return nil
		}
		if len(finder.Name) > 0 && !matchesAny(finder.Name, name) {
			return nil
		}
		if matchesAny(finder.NotName, name) {
			return nil
		}
		if matchesAny(blacklist, p) || matchesAny(extraExcluded, p) {
			return nil
		}
		if excludedByPathSubstr(finder.PathContains, finder.NotPathContains, p) {
			return nil
		}
		out = append(out, Entry{LocalPath: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking %s: %v", errs.ErrUnreadableSource, absRoot, err)
	}
	return out, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
		if strings.Contains(name, pat) {
			return true
		}
	}
	return false
}

func excludedByPathSubstr(contains, notContains []string, p string) bool {
	if len(contains) > 0 && !matchesAny(contains, p) {
		return true
	}
	return matchesAny(notContains, p)
}
