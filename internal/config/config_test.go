package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultsWithNoConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "/proj", cfg.BasePath)
	require.Equal(t, CompressionNone, cfg.CompressionAlgorithm)
	require.Equal(t, SigningSHA1, cfg.SigningAlgorithm)
	require.Equal(t, "/proj/index.phar", cfg.OutputPath)
	require.True(t, cfg.AutoDiscover)
}

func TestResolveReadsBoxJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"alias": "app.phar",
		"main": "index.php",
		"directories": ["src"],
		"directories-bin": ["assets"],
		"compression": "GZ",
		"chmod": "0755"
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "app.phar", cfg.Alias)
	require.NotNil(t, cfg.MainScript)
	require.Equal(t, "index.php", cfg.MainScript.BundlePath)
	require.ElementsMatch(t, []string{"src"}, cfg.Directories)
	require.ElementsMatch(t, []string{"assets"}, cfg.DirectoriesBin, "directories-bin must stay off the regular Directories list")
	require.Equal(t, CompressionGZ, cfg.CompressionAlgorithm)
	require.Equal(t, uint32(0o755), uint32(cfg.Chmod))
	require.False(t, cfg.AutoDiscover, "explicit directories disable autodiscovery")
}

func TestResolveGeneratesAliasWhenUnset(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Regexp(t, `^box-auto-generated-alias-[0-9a-f]{12}\.phar$`, cfg.Alias)
}

func TestResolveDevModeForcesNoCompression(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"compression": "BZ2"}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj", Dev: true})
	require.NoError(t, err)
	require.Equal(t, CompressionNone, cfg.CompressionAlgorithm)
	require.True(t, cfg.IsDevMode)
}

func TestResolvePrefixerGeneratesNamespaceWhenUnset(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"prefixer": {"command": "php-scoper"}
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.True(t, cfg.PrefixerConfigured)
	require.Equal(t, "php-scoper", cfg.PrefixerCommand)
	require.Regexp(t, `^_HumbugBox[0-9a-f]{12}$`, cfg.PrefixerNamespace)
}

func TestResolvePrefixerHonorsExplicitNamespace(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"prefixer": {"command": "php-scoper", "namespace": "FixedNS"}
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "FixedNS", cfg.PrefixerNamespace)
}

func TestResolvePrefixerSplitsShellStyleCommand(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"prefixer": {"command": "php-scoper add-prefix --output-dir='build dir'", "args": ["--quiet"]}
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "php-scoper", cfg.PrefixerCommand)
	require.Equal(t, []string{"add-prefix", "--output-dir=build dir", "--quiet"}, cfg.PrefixerArgs)
}

func TestResolveParsesFinderConfigurations(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"finder": [{"in": ["src"], "name": ["*.php"], "depth": 2, "ignoreVCS": false}],
		"finder-bin": [{"in": ["assets"]}]
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Len(t, cfg.Finders, 1)
	require.Equal(t, []string{"src"}, cfg.Finders[0].In)
	require.Equal(t, []string{"*.php"}, cfg.Finders[0].Name)
	require.Equal(t, 2, cfg.Finders[0].Depth)
	require.False(t, cfg.Finders[0].IgnoreVCS)
	require.True(t, cfg.Finders[0].IgnoreDotFiles, "defaults to true when unset")
	require.Len(t, cfg.FindersBin, 1)
	require.Equal(t, []string{"assets"}, cfg.FindersBin[0].In, "finder-bin must stay off the regular Finders list")
	require.False(t, cfg.AutoDiscover, "explicit finders disable autodiscovery")
}

func TestResolveRejectsUnknownCompactor(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"compactors": ["php", "no-such-compactor"]}`), 0o644))

	_, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.Error(t, err)
}

func TestResolveResolvesPrivateKeyPathAgainstBasePath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"algorithm": "OPENSSL", "key": "private.key"}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "/proj/private.key", cfg.PrivateKeyPath)
}

func TestResolveRejectsInvalidChmod(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"chmod": "xyz"}`), 0o644))

	_, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.Error(t, err)
}

func TestResolveBannerFileIsReadThroughFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"banner-file": "BANNER"}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/proj/BANNER", []byte("Generated by box."), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "Generated by box.", cfg.BannerContents)
}

func TestResolveRecommendsCompactorsAndSigningUpgrade(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/composer.json", []byte(`{}`), 0o644))
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Contains(t, cfg.Recommendations, `add "compactors" to box.json to reduce the archive size`)
	require.Contains(t, cfg.Recommendations, `the "SHA1" signing algorithm is deprecated; prefer "SHA256", "SHA512", or "OPENSSL"`)
	require.NotContains(t, cfg.Recommendations, `enable "check-requirements" so the archive verifies its runtime dependencies at extraction time`,
		"check-requirements defaults to true when composer.json is present")
}

func TestResolveRecommendsEnablingRequirementChecks(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"check-requirements": false}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Contains(t, cfg.Recommendations, `enable "check-requirements" so the archive verifies its runtime dependencies at extraction time`)
}

func TestResolveCheckRequirementsDefaultsToComposerJSONPresence(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.False(t, cfg.CheckRequirements, "no composer.json: check-requirements defaults to false")
}

func TestResolveExcludeDevFilesDefaultsToDumpAutoload(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"dump-autoload": false}`), 0o644))
	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.False(t, cfg.ExcludeDevFiles, "exclude-dev-files defaults to dump-autoload's value")

	fs2 := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs2, "/proj/box.json", []byte(`{"dump-autoload": true}`), 0o644))
	cfg2, err := Resolve(Options{Fs: fs2, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.True(t, cfg2.ExcludeDevFiles)
}

func TestResolveWarnsWhenDevFilesNotExcludedWithAutoload(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"dump-autoload": true, "exclude-dev-files": false}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Contains(t, cfg.Warnings, `"exclude-dev-files" is disabled: development dependencies will be bundled into the archive`)
}

func TestResolveDumpAutoloadDefaultsToComposerJSONPresence(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.False(t, cfg.DumpAutoload, "no composer.json: dump-autoload defaults to false")

	fs2 := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs2, "/proj/composer.json", []byte(`{}`), 0o644))
	cfg2, err := Resolve(Options{Fs: fs2, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.True(t, cfg2.DumpAutoload, "composer.json present: dump-autoload defaults to true")
}

func TestResolveParsesLiteralReplacements(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"replacements": {"name": "my-app", "vendor": "acme"}
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "my-app", cfg.ProcessedReplacements["name"])
	require.Equal(t, "acme", cfg.ProcessedReplacements["vendor"])
}

func TestResolveParsesDatetimePlaceholderWithDefaultFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{"datetime": "build_date"}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ProcessedReplacements["build_date"])
}

func TestResolveParsesBinaryFileList(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"files": ["index.php"],
		"files-bin": ["tools/phpstan"]
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Len(t, cfg.Files, 1)
	require.Equal(t, "index.php", cfg.Files[0].BundlePath)
	require.Len(t, cfg.BinaryFiles, 1)
	require.Equal(t, "tools/phpstan", cfg.BinaryFiles[0].BundlePath)
	require.Equal(t, "/proj/tools/phpstan", cfg.BinaryFiles[0].LocalPath)
}

func TestResolveReadsProjectComposerRequire(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/composer.json", []byte(`{"require": {"php": ">=8.1", "ext-mbstring": "*"}}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, ">=8.1", cfg.ProjectRequire["php"])
	require.Equal(t, "*", cfg.ProjectRequire["ext-mbstring"])
}

func TestResolveProjectRequireNilWhenComposerJSONMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Resolve(Options{Fs: fs, NoConfig: true, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Nil(t, cfg.ProjectRequire)
}

func TestResolveRegistersPatternCompactorByName(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json", []byte(`{
		"pattern-compactors": [
			{"name": "strip-todo", "suffixes": [".php"], "replacements": [{"from": "TODO", "to": ""}]}
		],
		"compactors": ["strip-todo"]
	}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Contains(t, cfg.Compactors, "strip-todo")
}

func TestResolveFallsBackToBoxJSONDist(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/box.json.dist", []byte(`{"alias": "dist.phar"}`), 0o644))

	cfg, err := Resolve(Options{Fs: fs, WorkingDir: "/proj"})
	require.NoError(t, err)
	require.Equal(t, "dist.phar", cfg.Alias)
}
