// Package config resolves box.json (or an equivalent in-memory request) into
// an immutable BuildConfig, the ConfigResolve stage of the pipeline.
package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/boxbuild/box/internal/compact"
	"github.com/boxbuild/box/internal/errs"
	"github.com/boxbuild/box/internal/permissions"
	"github.com/boxbuild/box/internal/shellsplit"
	"github.com/boxbuild/box/internal/source"
)

// CompressionAlgorithm selects the per-entry compression codec.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "NONE"
	CompressionGZ   CompressionAlgorithm = "GZ"
	CompressionBZ2  CompressionAlgorithm = "BZ2"
)

// SigningAlgorithm selects the archive trailer's signature scheme.
type SigningAlgorithm string

const (
	SigningSHA1    SigningAlgorithm = "SHA1"
	SigningSHA256  SigningAlgorithm = "SHA256"
	SigningSHA512  SigningAlgorithm = "SHA512"
	SigningOpenSSL SigningAlgorithm = "OPENSSL"
)

// BuildConfig is the immutable, fully resolved configuration for one build.
// It is produced once by Resolve and never mutated again.
type BuildConfig struct {
	BasePath   string
	Alias      string
	MainScript *source.Entry // nil when no main script configured

	OutputPath    string
	TmpOutputPath string
	Chmod         os.FileMode

	Files          []source.Entry
	BinaryFiles    []source.Entry
	Finders        []source.FinderConfig
	FindersBin     []source.FinderConfig
	Directories    []string
	DirectoriesBin []string
	Blacklist      []string
	MapEntries     []source.MapEntry

	// ProjectRequire holds the top-level project's own composer.json
	// `require` block, folded into RequirementCollect alongside the lock
	// file's packages (SPEC_FULL.md §4.5).
	ProjectRequire map[string]string

	Compactors []string

	PrefixerConfigured bool
	PrefixerCommand    string
	PrefixerArgs       []string
	PrefixerNamespace  string

	CompressionAlgorithm CompressionAlgorithm
	SigningAlgorithm     SigningAlgorithm
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	PromptForPrivateKey  bool

	Shebang        string
	HasShebang     bool
	BannerContents string

	StubPath       string
	GenerateStub   bool
	UseDefaultStub bool

	Metadata any

	CheckRequirements    bool
	DumpAutoload         bool
	ExcludeDevFiles      bool
	ExcludeComposerFiles bool
	InterceptFileFuncs   bool
	AutoDiscover         bool
	ForceAutodiscovery   bool

	ProcessedReplacements map[string]string

	IsDevMode bool

	Warnings        []string
	Recommendations []string
}

// raw mirrors the subset of box.json this module decodes. Schema validation
// beyond JSON shape is out of scope; a real config loader is an external
// collaborator (see SPEC_FULL.md §10.3).
type raw struct {
	Alias                string            `json:"alias"`
	Banner               string            `json:"banner"`
	BannerFile           string            `json:"banner-file"`
	BasePath             string            `json:"base-path"`
	Blacklist            []string          `json:"blacklist"`
	CheckRequirements    *bool             `json:"check-requirements"`
	Chmod                string            `json:"chmod"`
	Compactors           []string          `json:"compactors"`
	Compression          string            `json:"compression"`
	Directories          []string          `json:"directories"`
	DirectoriesBin       []string          `json:"directories-bin"`
	DumpAutoload         *bool             `json:"dump-autoload"`
	ExcludeComposerFiles *bool             `json:"exclude-composer-files"`
	ExcludeDevFiles      *bool             `json:"exclude-dev-files"`
	Files                []string          `json:"files"`
	FilesBin             []string          `json:"files-bin"`
	Finder               []rawFinder       `json:"finder"`
	FinderBin            []rawFinder       `json:"finder-bin"`
	ForceAutodiscovery   bool              `json:"force-autodiscovery"`
	Intercept            bool              `json:"intercept"`
	Main                 json.RawMessage   `json:"main"`
	Map                  []map[string]string `json:"map"`
	Metadata             any               `json:"metadata"`
	Output               string            `json:"output"`
	PatternCompactors    []rawPatternCompactor `json:"pattern-compactors"`
	Algorithm            string            `json:"algorithm"`
	Key                  string            `json:"key"`
	KeyPass              json.RawMessage   `json:"key-pass"`
	Shebang              json.RawMessage   `json:"shebang"`
	Stub                 json.RawMessage   `json:"stub"`
	Prefixer               *rawPrefixer      `json:"prefixer"`
	Replacements           map[string]string `json:"replacements"`
	GitVersionPlaceholder  string            `json:"git-version"`
	GitCommitPlaceholder   string            `json:"git-commit"`
	GitTagPlaceholder      string            `json:"git-tag"`
	DatetimePlaceholder    string            `json:"datetime"`
	DatetimeFormat         string            `json:"datetime_format"`
}

type rawPrefixer struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Namespace string   `json:"namespace"`
}

// rawPatternCompactor mirrors one `pattern-compactors` declaration: a
// user-defined generic pattern-based compactor (SPEC_FULL.md §4.4),
// registered under Name so it can be referenced from the `compactors` list.
type rawPatternCompactor struct {
	Name         string                `json:"name"`
	Suffixes     []string              `json:"suffixes"`
	Replacements []rawPatternReplace   `json:"replacements"`
}

type rawPatternReplace struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// rawFinder mirrors one `finder`/`finder-bin` declaration (SPEC_FULL.md §4.1,
// §6): a declarative struct ingested directly rather than an external
// fluent-builder finder API.
type rawFinder struct {
	In             []string `json:"in"`
	Name           []string `json:"name"`
	NotName        []string `json:"notName"`
	Path           []string `json:"path"`
	NotPath        []string `json:"notPath"`
	Depth          int      `json:"depth"`
	Exclude        []string `json:"exclude"`
	IgnoreVCS      *bool    `json:"ignoreVCS"`
	IgnoreDotFiles *bool    `json:"ignoreDotFiles"`
}

func (f rawFinder) toFinderConfig() source.FinderConfig {
	return source.FinderConfig{
		In:              f.In,
		Name:            f.Name,
		NotName:         f.NotName,
		PathContains:    f.Path,
		NotPathContains: f.NotPath,
		Depth:           f.Depth,
		Exclude:         f.Exclude,
		IgnoreVCS:       boolOrDefault(f.IgnoreVCS, true),
		IgnoreDotFiles:  boolOrDefault(f.IgnoreDotFiles, true),
	}
}

// Options carries the CLI-provided overrides that sit alongside box.json.
type Options struct {
	ConfigPath string
	NoConfig   bool
	WorkingDir string
	Dev        bool
	// Fs is the filesystem box.json, the banner file, and the stub override
	// are read from. Defaults to the OS filesystem when nil.
	Fs afero.Fs
}

// Resolve loads box.json (unless NoConfig) from opts.WorkingDir, merges CLI
// overrides, and produces an immutable BuildConfig.
func Resolve(opts Options) (*BuildConfig, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		var err error
		workingDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
	}
	workingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}

	var r raw
	if !opts.NoConfig {
		path := opts.ConfigPath
		if path == "" {
			path = filepath.Join(workingDir, "box.json")
			if _, statErr := fs.Stat(path); statErr != nil {
				path = filepath.Join(workingDir, "box.json.dist")
			}
		}
		if data, readErr := afero.ReadFile(fs, path); readErr == nil {
			if jsonErr := json.Unmarshal(data, &r); jsonErr != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", errs.ErrConfigInvalid, path, jsonErr)
			}
		}
	}

	cfg := &BuildConfig{
		BasePath:             workingDir,
		Alias:                r.Alias,
		Blacklist:            r.Blacklist,
		Directories:          r.Directories,
		Compactors:           r.Compactors,
		CompressionAlgorithm: CompressionNone,
		SigningAlgorithm:     SigningSHA1,
		ExcludeComposerFiles: boolOrDefault(r.ExcludeComposerFiles, true),
		InterceptFileFuncs:   r.Intercept,
		ForceAutodiscovery:   r.ForceAutodiscovery,
		GenerateStub:         true,
		Chmod:                permissions.DefaultArchiveMode,
		IsDevMode:            opts.Dev,
		ProcessedReplacements: map[string]string{},
	}

	cfg.DirectoriesBin = r.DirectoriesBin
	for _, f := range r.Finder {
		cfg.Finders = append(cfg.Finders, f.toFinderConfig())
	}
	for _, f := range r.FinderBin {
		cfg.FindersBin = append(cfg.FindersBin, f.toFinderConfig())
	}

	if r.BasePath != "" {
		if filepath.IsAbs(r.BasePath) {
			cfg.BasePath = r.BasePath
		} else {
			cfg.BasePath = filepath.Join(workingDir, r.BasePath)
		}
	}

	hasComposerJSON := composerJSONExists(fs, cfg.BasePath)
	cfg.DumpAutoload = boolOrDefault(r.DumpAutoload, hasComposerJSON)
	cfg.CheckRequirements = boolOrDefault(r.CheckRequirements, hasComposerJSON)
	cfg.ExcludeDevFiles = boolOrDefault(r.ExcludeDevFiles, cfg.DumpAutoload)
	cfg.ProjectRequire = projectRequireFrom(fs, cfg.BasePath)

	if r.Compression != "" {
		cfg.CompressionAlgorithm = CompressionAlgorithm(r.Compression)
	}
	if cfg.IsDevMode {
		cfg.CompressionAlgorithm = CompressionNone
	}

	if r.Algorithm != "" {
		cfg.SigningAlgorithm = SigningAlgorithm(r.Algorithm)
	}
	if r.Key != "" {
		cfg.PrivateKeyPath = resolvePath(cfg.BasePath, r.Key)
	}
	if len(r.KeyPass) > 0 {
		var b bool
		if json.Unmarshal(r.KeyPass, &b) == nil {
			cfg.PromptForPrivateKey = b
		} else {
			var s string
			if json.Unmarshal(r.KeyPass, &s) == nil {
				cfg.PrivateKeyPassphrase = s
			}
		}
	}

	if r.Chmod != "" {
		mode, parseErr := parseOctal(r.Chmod)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: chmod %q: %v", errs.ErrConfigInvalid, r.Chmod, parseErr)
		}
		cfg.Chmod = mode
	}

	if len(r.Shebang) > 0 {
		var b bool
		if json.Unmarshal(r.Shebang, &b) == nil && !b {
			cfg.HasShebang = false
		} else {
			var s string
			if json.Unmarshal(r.Shebang, &s) == nil {
				cfg.Shebang = s
				cfg.HasShebang = s != ""
			}
		}
	}

	banner := r.Banner
	if r.BannerFile != "" {
		data, readErr := afero.ReadFile(fs, resolvePath(cfg.BasePath, r.BannerFile))
		if readErr != nil {
			return nil, fmt.Errorf("%w: banner-file: %v", errs.ErrConfigInvalid, readErr)
		}
		banner = string(data)
	}
	cfg.BannerContents = banner

	if len(r.Stub) > 0 {
		var b bool
		if json.Unmarshal(r.Stub, &b) == nil {
			if b {
				cfg.UseDefaultStub = true
				cfg.GenerateStub = false
			} else {
				cfg.GenerateStub = true
			}
		} else {
			var s string
			if json.Unmarshal(r.Stub, &s) == nil && s != "" {
				cfg.StubPath = resolvePath(cfg.BasePath, s)
				cfg.GenerateStub = false
			}
		}
	}

	if len(r.Main) > 0 {
		var b bool
		if json.Unmarshal(r.Main, &b) == nil && !b {
			cfg.MainScript = nil
		} else {
			var s string
			if json.Unmarshal(r.Main, &s) == nil && s != "" {
				cfg.MainScript = &source.Entry{
					LocalPath:  resolvePath(cfg.BasePath, s),
					BundlePath: filepath.ToSlash(s),
				}
			}
		}
	}

	for _, f := range r.Files {
		cfg.Files = append(cfg.Files, source.Entry{
			LocalPath:  resolvePath(cfg.BasePath, f),
			BundlePath: filepath.ToSlash(f),
		})
	}
	for _, f := range r.FilesBin {
		cfg.BinaryFiles = append(cfg.BinaryFiles, source.Entry{
			LocalPath:  resolvePath(cfg.BasePath, f),
			BundlePath: filepath.ToSlash(f),
		})
	}

	for _, m := range r.Map {
		cfg.MapEntries = append(cfg.MapEntries, source.MapEntry{Prefix: m["from"], Replacement: m["to"]})
	}

	cfg.Metadata = r.Metadata

	if r.Output != "" {
		cfg.OutputPath = resolvePath(workingDir, r.Output)
	} else {
		cfg.OutputPath = filepath.Join(workingDir, defaultOutputName(cfg.MainScript))
	}
	cfg.TmpOutputPath = cfg.OutputPath + ".tmp"

	if r.Prefixer != nil && r.Prefixer.Command != "" {
		// "command" may itself be a shell-style invocation string (e.g.
		// "php-scoper add-prefix"); split it so the leading token becomes
		// the executable and the rest are prepended to the explicit "args".
		tokens, err := shellsplit.Split(r.Prefixer.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing prefixer command %q: %v", errs.ErrConfigInvalid, r.Prefixer.Command, err)
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%w: prefixer command %q is empty", errs.ErrConfigInvalid, r.Prefixer.Command)
		}
		cfg.PrefixerConfigured = true
		cfg.PrefixerCommand = tokens[0]
		cfg.PrefixerArgs = append(tokens[1:], r.Prefixer.Args...)
		cfg.PrefixerNamespace = r.Prefixer.Namespace
		if cfg.PrefixerNamespace == "" {
			suffix, err := randomSuffix()
			if err != nil {
				return nil, fmt.Errorf("%w: generating prefixer namespace: %v", errs.ErrConfigInvalid, err)
			}
			cfg.PrefixerNamespace = "_HumbugBox" + suffix
		}
	}

	cfg.AutoDiscover = len(cfg.Files) == 0 && len(cfg.BinaryFiles) == 0 &&
		len(cfg.Directories) == 0 && len(cfg.DirectoriesBin) == 0 &&
		len(cfg.Finders) == 0 && len(cfg.FindersBin) == 0

	for k, v := range r.Replacements {
		cfg.ProcessedReplacements[k] = v
	}
	resolveGitPlaceholders(cfg, r)
	if r.DatetimePlaceholder != "" {
		format := r.DatetimeFormat
		if format == "" {
			format = time.RFC3339
		}
		cfg.ProcessedReplacements[r.DatetimePlaceholder] = time.Now().Format(format)
	}

	for _, pc := range r.PatternCompactors {
		var replacements [][2][]byte
		for _, rep := range pc.Replacements {
			replacements = append(replacements, [2][]byte{[]byte(rep.From), []byte(rep.To)})
		}
		compact.NewPatternCompactor(pc.Name, pc.Suffixes, replacements)
	}

	for _, name := range cfg.Compactors {
		if _, ok := compact.Get(name); !ok {
			return nil, fmt.Errorf("%w: unknown compactor %q", errs.ErrConfigInvalid, name)
		}
	}

	if cfg.Alias == "" {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, fmt.Errorf("%w: generating default alias: %v", errs.ErrConfigInvalid, err)
		}
		cfg.Alias = "box-auto-generated-alias-" + suffix + ".phar"
	}

	cfg.Warnings = append(cfg.Warnings, collectConfigWarnings(cfg)...)
	cfg.Recommendations = append(cfg.Recommendations, collectConfigRecommendations(cfg)...)

	return cfg, nil
}

// collectConfigWarnings surfaces config-resolution-time concerns that don't
// block the build but should reach the final report (SPEC_FULL.md §6-§7).
func collectConfigWarnings(cfg *BuildConfig) []string {
	var warnings []string
	if cfg.DumpAutoload && !cfg.ExcludeDevFiles {
		warnings = append(warnings, `"exclude-dev-files" is disabled: development dependencies will be bundled into the archive`)
	}
	return warnings
}

// collectConfigRecommendations mirrors the reference tool's advisory pass:
// non-fatal suggestions for shrinking or hardening the archive.
func collectConfigRecommendations(cfg *BuildConfig) []string {
	var recs []string
	if len(cfg.Compactors) == 0 {
		recs = append(recs, `add "compactors" to box.json to reduce the archive size`)
	}
	if cfg.SigningAlgorithm == SigningSHA1 {
		recs = append(recs, `the "SHA1" signing algorithm is deprecated; prefer "SHA256", "SHA512", or "OPENSSL"`)
	}
	if !cfg.CheckRequirements {
		recs = append(recs, `enable "check-requirements" so the archive verifies its runtime dependencies at extraction time`)
	}
	return recs
}

// resolveGitPlaceholders fills the `git-version`/`git-commit`/`git-tag`
// tokens by shelling out to git in cfg.BasePath, mirroring the dependency
// manager's subprocess-invocation pattern in internal/depdump. A repository
// that isn't a git checkout (or lacks tags) leaves the corresponding token
// unset rather than failing the build.
func resolveGitPlaceholders(cfg *BuildConfig, r raw) {
	if r.GitVersionPlaceholder != "" {
		version, err := gitOutput(cfg.BasePath, "describe", "--tags", "--always")
		if err == nil {
			cfg.ProcessedReplacements[r.GitVersionPlaceholder] = version
		}
	}
	if r.GitCommitPlaceholder != "" {
		commit, err := gitOutput(cfg.BasePath, "log", "--pretty=%h", "-n1", "HEAD")
		if err == nil {
			cfg.ProcessedReplacements[r.GitCommitPlaceholder] = commit
		}
	}
	if r.GitTagPlaceholder != "" {
		tag, err := gitOutput(cfg.BasePath, "describe", "--tags", "--exact-match", "HEAD")
		if err == nil {
			cfg.ProcessedReplacements[r.GitTagPlaceholder] = tag
		}
	}
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(context.Background(), "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// composerJSONExists reports whether basePath contains a dependency manifest,
// used as the default for "dump-autoload" when box.json is silent on it
// (SPEC_FULL.md §6: "default true iff composer.json present").
func composerJSONExists(fs afero.Fs, basePath string) bool {
	ok, err := afero.Exists(fs, filepath.Join(basePath, "composer.json"))
	return err == nil && ok
}

// composerRequireManifest mirrors the subset of composer.json this module
// reads to fold the top-level project's own version constraints into
// RequirementCollect (SPEC_FULL.md §4.5).
type composerRequireManifest struct {
	Require map[string]string `json:"require"`
}

// projectRequireFrom reads basePath/composer.json's `require` block, if any.
// A missing or unparseable manifest yields a nil map, not an error: the
// build still proceeds using only the lock file's own constraints.
func projectRequireFrom(fs afero.Fs, basePath string) map[string]string {
	data, err := afero.ReadFile(fs, filepath.Join(basePath, "composer.json"))
	if err != nil {
		return nil
	}
	var m composerRequireManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m.Require
}

// randomSuffix generates the stable per-build suffix appended to the
// default prefixer namespace when none is configured explicitly
// (SPEC_FULL.md §4.3).
func randomSuffix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func parseOctal(s string) (os.FileMode, error) {
	mode, err := permissions.ParseOctalString(s)
	if err != nil {
		return 0, err
	}
	return os.FileMode(mode), nil
}

func defaultOutputName(main *source.Entry) string {
	if main == nil {
		return "index.phar"
	}
	base := filepath.Base(main.BundlePath)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + ".phar"
}
