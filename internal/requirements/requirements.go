// Package requirements implements the RequirementCollect stage: reading the
// dependency lock file and producing a small serialized manifest, plus
// surfacing the embedded requirement-checker payload.
package requirements

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/boxbuild/box/internal/requirements/payload"
)

// Kind distinguishes a PHP version constraint from an extension requirement.
type Kind string

const (
	KindPHPVersion Kind = "php-version"
	KindExtension  Kind = "extension"
)

// Requirement is one entry of the manifest embedded at .box/.requirements.php.
type Requirement struct {
	Kind       Kind   `json:"kind"`
	Constraint string `json:"constraint"`
	Source     string `json:"source"`
}

// lockFile mirrors the subset of composer.lock this stage reads.
type lockFile struct {
	Packages    []lockPackage `json:"packages"`
	PackagesDev []lockPackage `json:"packages-dev"`
}

type lockPackage struct {
	Name    string            `json:"name"`
	Require map[string]string `json:"require"`
}

// Collect reads lockPath (composer.lock) through fs and merges it with the
// top-level project's own require block (projectRequire, from composer.json),
// folding packages-dev in unless excludeDev is true.
func Collect(fs afero.Fs, lockPath string, projectRequire map[string]string, excludeDev bool) ([]Requirement, error) {
	var lock lockFile
	data, err := afero.ReadFile(fs, lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return collectFrom(nil, projectRequire), nil
		}
		return nil, fmt.Errorf("reading lock file %s: %w", lockPath, err)
	}
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parsing lock file %s: %w", lockPath, err)
	}

	packages := lock.Packages
	if !excludeDev {
		packages = append(packages, lock.PackagesDev...)
	}
	return collectFrom(packages, projectRequire), nil
}

func collectFrom(packages []lockPackage, projectRequire map[string]string) []Requirement {
	phpConstraints := map[string][]string{} // constraint -> sources
	extConstraints := map[string][]string{} // extension -> sources

	add := func(source string, require map[string]string) {
		for key, constraint := range require {
			switch {
			case key == "php":
				phpConstraints[constraint] = append(phpConstraints[constraint], source)
			case strings.HasPrefix(key, "ext-"):
				ext := strings.TrimPrefix(key, "ext-")
				extConstraints[ext] = append(extConstraints[ext], source)
			}
		}
	}

	add("project", projectRequire)
	for _, pkg := range packages {
		add(pkg.Name, pkg.Require)
	}

	var out []Requirement
	for constraint, sources := range mergeConstraints(phpConstraints) {
		out = append(out, Requirement{Kind: KindPHPVersion, Constraint: constraint, Source: strings.Join(sources, ", ")})
	}
	for ext, sources := range extConstraints {
		out = append(out, Requirement{Kind: KindExtension, Constraint: ext, Source: strings.Join(sources, ", ")})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Constraint < out[j].Constraint
	})
	return out
}

// Manifest serializes requirements into the PHP payload format embedded at
// .box/.requirements.php: a plain `return [...]` array literal the checker
// payload `include`s directly, avoiding a JSON-decode dependency inside the
// bundled payload itself.
func Manifest(reqs []Requirement) []byte {
	var b strings.Builder
	b.WriteString("<?php\n\nreturn [\n")
	for _, r := range reqs {
		fmt.Fprintf(&b, "    ['kind' => %s, 'constraint' => %s, 'source' => %s],\n",
			phpString(string(r.Kind)), phpString(r.Constraint), phpString(r.Source))
	}
	b.WriteString("];\n")
	return []byte(b.String())
}

func phpString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// Payload returns the embedded requirement-checker files keyed by their
// .box/-relative bundle path.
func Payload() (map[string][]byte, error) {
	out := make(map[string][]byte, len(payload.Files))
	for _, f := range payload.Files {
		data, err := payload.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading embedded payload %s: %w", f, err)
		}
		out[".box/"+f] = data
	}
	return out, nil
}
