package source

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"
)

// composerManifest mirrors the subset of composer.json's autoload block
// autodiscovery reads.
type composerManifest struct {
	Autoload struct {
		PSR4      map[string]json.RawMessage `json:"psr-4"`
		PSR0      map[string]json.RawMessage `json:"psr-0"`
		Classmap  []string                   `json:"classmap"`
		Files     []string                   `json:"files"`
	} `json:"autoload"`
}

// Autodiscover reads basePath/composer.json's autoload declarations and
// returns the directories and explicit files they name (SPEC_FULL.md §4.1:
// "discover from the project root using the dependency manager's autoload
// declaration"). A missing or unparsable manifest yields no results rather
// than an error, since autodiscovery is a best-effort fallback.
func Autodiscover(fs afero.Fs, basePath string) (dirs []string, files []string, err error) {
	data, readErr := afero.ReadFile(fs, filepath.Join(basePath, "composer.json"))
	if readErr != nil {
		return nil, nil, nil
	}

	var manifest composerManifest
	if jsonErr := json.Unmarshal(data, &manifest); jsonErr != nil {
		return nil, nil, nil
	}

	seenDirs := map[string]bool{}
	addDirs := func(raw map[string]json.RawMessage) {
		for _, v := range raw {
			for _, p := range rawStrings(v) {
				if !seenDirs[p] {
					seenDirs[p] = true
					dirs = append(dirs, p)
				}
			}
		}
	}
	addDirs(manifest.Autoload.PSR4)
	addDirs(manifest.Autoload.PSR0)

	for _, p := range manifest.Autoload.Classmap {
		if !seenDirs[p] {
			seenDirs[p] = true
			dirs = append(dirs, p)
		}
	}
	files = append(files, manifest.Autoload.Files...)

	return dirs, files, nil
}

// rawStrings normalizes a psr-4/psr-0 value, which may be a single string or
// an array of strings, into a slice.
func rawStrings(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
