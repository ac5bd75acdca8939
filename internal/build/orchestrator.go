// Package build runs the ten pipeline stages in order — ConfigResolve,
// SourceEnumerate, DependencyDump, Prefix, Compact, RequirementCollect,
// Assemble, Compress, Sign, Finalize — and returns a Report describing what
// happened, grounded on the teacher stack's builder.go end-to-end sequence
// (resolve options, walk sources, invoke subprocess helpers, write, chmod).
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/afero"

	"github.com/boxbuild/box/internal/archive"
	"github.com/boxbuild/box/internal/compact"
	"github.com/boxbuild/box/internal/compress"
	"github.com/boxbuild/box/internal/config"
	"github.com/boxbuild/box/internal/depdump"
	"github.com/boxbuild/box/internal/errs"
	"github.com/boxbuild/box/internal/logging"
	"github.com/boxbuild/box/internal/prefixer"
	"github.com/boxbuild/box/internal/requirements"
	"github.com/boxbuild/box/internal/sign"
	"github.com/boxbuild/box/internal/source"
)

// builderVersion is mirrored into the debug dump's environment snapshot
// (SPEC_FULL.md §6).
const builderVersion = "dev"

// Options configures one orchestrator run. Fs defaults to the OS filesystem
// and Logger to an hclog.Logger at the BOX_LOG_LEVEL level (warn when unset)
// when left zero.
type Options struct {
	Config  config.Options
	Fs      afero.Fs
	Logger  hclog.Logger
	Context context.Context

	// DumpDir, when non-empty, receives one copy of the entry contents as they
	// stand after Compact and RequirementCollect, the binary files, and a
	// report.txt, for offline inspection (the `--debug` CLI flag).
	DumpDir string
}

func compressionAlgorithm(c config.CompressionAlgorithm) (compress.Algorithm, error) {
	switch c {
	case config.CompressionNone, "":
		return compress.None, nil
	case config.CompressionGZ:
		return compress.GZ, nil
	case config.CompressionBZ2:
		return compress.BZ2, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression algorithm %q", errs.ErrConfigInvalid, c)
	}
}

// Run executes the full pipeline and returns a Report on success.
func Run(opts Options) (*Report, error) {
	start := time.Now()

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("box", logging.GetLogLevel(), os.Stderr)
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. ConfigResolve
	configOpts := opts.Config
	configOpts.Fs = fs
	cfg, err := config.Resolve(configOpts)
	if err != nil {
		return nil, err
	}
	logger.Info("configuration resolved", "base-path", cfg.BasePath, "output", cfg.OutputPath)

	var peakMemory uint64
	sampleRSS(&peakMemory)

	// 2. SourceEnumerate
	explicitFiles := append([]source.Entry{}, cfg.Files...)
	if cfg.MainScript != nil {
		explicitFiles = append(explicitFiles, *cfg.MainScript)
	}
	directories := cfg.Directories

	if cfg.AutoDiscover || cfg.ForceAutodiscovery {
		autoDirs, autoFiles, discErr := source.Autodiscover(fs, cfg.BasePath)
		if discErr != nil {
			return nil, discErr
		}
		directories = append(directories, autoDirs...)
		for _, f := range autoFiles {
			explicitFiles = append(explicitFiles, source.Entry{
				LocalPath:  filepath.Join(cfg.BasePath, f),
				BundlePath: filepath.ToSlash(f),
			})
		}
		logger.Debug("autodiscovery expanded sources", "dirs", autoDirs, "files", autoFiles)
	}

	entries, err := source.Enumerate(source.EnumerateRequest{
		Fs:            fs,
		BasePath:      cfg.BasePath,
		ExplicitFiles: explicitFiles,
		Directories:   directories,
		Finders:       cfg.Finders,
		Blacklist:     cfg.Blacklist,
		Map:           source.MapFile{Entries: cfg.MapEntries},
		ExtraExcluded: []string{cfg.OutputPath, cfg.TmpOutputPath},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("sources enumerated", "count", len(entries))

	// Binary files are enumerated on their own track: they never pass through
	// Prefix/Compact and are appended to the archive after every regular
	// entry, in their own sorted order (SPEC_FULL.md §3, §4.1, §5).
	binaryEntries, err := source.Enumerate(source.EnumerateRequest{
		Fs:            fs,
		BasePath:      cfg.BasePath,
		ExplicitFiles: cfg.BinaryFiles,
		Directories:   cfg.DirectoriesBin,
		Finders:       cfg.FindersBin,
		Blacklist:     cfg.Blacklist,
		Map:           source.MapFile{Entries: cfg.MapEntries},
		ExtraExcluded: []string{cfg.OutputPath, cfg.TmpOutputPath},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("binary sources enumerated", "count", len(binaryEntries))
	if err := checkDisjointBundlePaths(entries, binaryEntries); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConflictingSourcePaths, err)
	}

	// 3. DependencyDump
	if cfg.DumpAutoload {
		if _, err := depdump.Run(ctx, logger, depdump.Options{
			BasePath: cfg.BasePath,
			NoDev:    cfg.ExcludeDevFiles,
		}); err != nil {
			return nil, err
		}
		vendorEntries, err := source.Enumerate(source.EnumerateRequest{
			Fs:            fs,
			BasePath:      cfg.BasePath,
			ExplicitFiles: vendorArtifactEntries(cfg.BasePath),
			Map:           source.MapFile{Entries: cfg.MapEntries},
		})
		if err != nil {
			return nil, err
		}
		entries, err = source.Dedup(append(entries, vendorEntries...))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrConflictingSourcePaths, err)
		}
	}

	if cfg.ExcludeComposerFiles {
		entries = removeBundlePaths(entries, "composer.json", "composer.lock", "vendor/composer/installed.json")
	}

	contents := map[string][]byte{}
	for _, e := range entries {
		data, err := afero.ReadFile(fs, e.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrUnreadableSource, e.LocalPath, err)
		}
		contents[e.BundlePath] = data
	}

	// 4. Prefix
	var warnings []string
	if cfg.PrefixerConfigured {
		px := prefixer.Prefixer{
			Command: cfg.PrefixerCommand,
			Args:    append([]string{cfg.PrefixerNamespace}, cfg.PrefixerArgs...),
			Match:   prefixer.MatchBySuffix(".php"),
		}
		transformed, err := px.ApplyAll(ctx, contents)
		if err != nil {
			return nil, err
		}
		contents = transformed
	}

	// 5. Compact
	chain := compact.Chain(cfg.Compactors)
	if len(cfg.ProcessedReplacements) > 0 {
		chain = append([]compact.Compactor{compact.NewPlaceholderCompactor(cfg.ProcessedReplacements)}, chain...)
	}
	for bundlePath, data := range contents {
		transformed, err := compact.Apply(chain, bundlePath, data)
		if err != nil {
			return nil, err
		}
		contents[bundlePath] = transformed
	}

	sampleRSS(&peakMemory)

	// 6. RequirementCollect
	if cfg.CheckRequirements {
		lockPath := filepath.Join(cfg.BasePath, "composer.lock")
		reqs, err := requirements.Collect(fs, lockPath, cfg.ProjectRequire, cfg.ExcludeDevFiles)
		if err != nil {
			return nil, err
		}
		contents[".box/.requirements.php"] = requirements.Manifest(reqs)

		payloadFiles, err := requirements.Payload()
		if err != nil {
			return nil, err
		}
		for path, data := range payloadFiles {
			contents[path] = data
		}
	}

	if opts.DumpDir != "" {
		if err := dumpContents(fs, opts.DumpDir, contents); err != nil {
			logger.Warn("failed writing debug dump", "error", err)
		}
		if err := dumpBinaryFiles(fs, opts.DumpDir, binaryEntries); err != nil {
			logger.Warn("failed writing binary debug dump", "error", err)
		}
		if err := writeDebugReport(ctx, fs, opts.DumpDir, cfg); err != nil {
			logger.Warn("failed writing debug report", "error", err)
		}
	}

	// 7. Assemble
	writer, err := archive.Open(fs, cfg.TmpOutputPath)
	if err != nil {
		return nil, err
	}

	stub, err := buildStub(fs, cfg)
	if err != nil {
		return nil, err
	}
	if err := writer.SetStub(stub); err != nil {
		return nil, err
	}
	writer.SetAlias(cfg.Alias)
	if err := writer.SetMetadata(cfg.Metadata); err != nil {
		return nil, err
	}

	var uncompressedTotal int64
	for _, e := range assembleOrder(cfg.MainScript, contents) {
		data := contents[e]
		if err := writer.AddFromString(e, data); err != nil {
			return nil, err
		}
		uncompressedTotal += int64(len(data))
	}

	// Binary files are appended last, streamed straight off disk with no
	// buffering and no Prefix/Compact transform applied (SPEC_FULL.md §2
	// stage 7, §4.6, §5, Testable Property §8).
	for _, e := range sortedBinaryEntries(binaryEntries) {
		if err := writer.AddFromFile(e.BundlePath, e.LocalPath); err != nil {
			return nil, err
		}
	}
	for _, e := range writer.Entries()[len(contents):] {
		uncompressedTotal += int64(e.UncompressedSize)
	}
	sampleRSS(&peakMemory)

	// 8. Compress
	if cfg.IsDevMode {
		logger.Info("Dev mode detected: skipping the compression")
	}
	algorithm, err := compressionAlgorithm(cfg.CompressionAlgorithm)
	if err != nil {
		return nil, err
	}
	if warning, err := writer.ApplyCompression(algorithm); err != nil {
		return nil, err
	} else if warning != "" {
		warnings = append(warnings, warning)
	}

	// 9. Sign
	signingAlgorithm, err := sign.ParseAlgorithm(string(cfg.SigningAlgorithm))
	if err != nil {
		return nil, err
	}
	signature, err := writer.Close(archive.CloseOptions{
		Algorithm: signingAlgorithm,
		KeyOpts: sign.KeyOptions{
			PrivateKeyPath:       cfg.PrivateKeyPath,
			PrivateKeyPassphrase: cfg.PrivateKeyPassphrase,
			PromptForPrivateKey:  cfg.PromptForPrivateKey,
			Fs:                   fs,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(signature.PublicKeyPEM) > 0 {
		pubKeyPath := cfg.OutputPath + ".pubkey"
		if err := afero.WriteFile(fs, pubKeyPath, signature.PublicKeyPEM, 0o644); err != nil {
			return nil, fmt.Errorf("%w: writing %s: %v", errs.ErrArchiveIOError, pubKeyPath, err)
		}
	}

	// 10. Finalize
	var compressedTotal int64
	for _, e := range writer.Entries() {
		compressedTotal += int64(e.CompressedSize)
	}
	if err := finalize(fs, cfg); err != nil {
		return nil, err
	}
	sampleRSS(&peakMemory)

	warnings = append(warnings, cfg.Warnings...)
	return &Report{
		OutputPath:       cfg.OutputPath,
		FileCount:        len(writer.Entries()),
		UncompressedSize: uncompressedTotal,
		CompressedSize:   compressedTotal,
		Duration:         time.Since(start),
		Warnings:         warnings,
		Recommendations:  cfg.Recommendations,
		PeakMemoryBytes:  peakMemory,
		SigningAlgorithm: string(cfg.SigningAlgorithm),
		Compression:      string(cfg.CompressionAlgorithm),
	}, nil
}

// finalize renames the temp output into place and applies the configured
// permission bits, the last step of the pipeline (SPEC_FULL.md §4.9).
func finalize(fs afero.Fs, cfg *config.BuildConfig) error {
	if err := fs.Rename(cfg.TmpOutputPath, cfg.OutputPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", errs.ErrArchiveIOError, cfg.TmpOutputPath, cfg.OutputPath, err)
	}
	if err := fs.Chmod(cfg.OutputPath, cfg.Chmod); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", errs.ErrArchiveIOError, cfg.OutputPath, err)
	}
	return nil
}

func buildStub(fs afero.Fs, cfg *config.BuildConfig) ([]byte, error) {
	if cfg.StubPath != "" {
		data, err := afero.ReadFile(fs, cfg.StubPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading stub %s: %v", errs.ErrStubInvalid, cfg.StubPath, err)
		}
		if err := archive.ValidateStub(data); err != nil {
			return nil, err
		}
		return data, nil
	}

	if cfg.UseDefaultStub {
		return archive.RenderDefaultStub(cfg.Alias), nil
	}

	index := ""
	if cfg.MainScript != nil {
		index = cfg.MainScript.BundlePath
	}
	return archive.RenderStub(archive.StubSpec{
		Shebang:            cfg.Shebang,
		HasShebang:         cfg.HasShebang,
		Banner:             cfg.BannerContents,
		Alias:              cfg.Alias,
		Index:              index,
		InterceptFileFuncs: cfg.InterceptFileFuncs,
		CheckRequirements:  cfg.CheckRequirements,
	}), nil
}

func vendorArtifactEntries(basePath string) []source.Entry {
	entries := make([]source.Entry, 0, len(depdump.AutoloadArtifacts))
	for _, rel := range depdump.AutoloadArtifacts {
		entries = append(entries, source.Entry{
			LocalPath:  filepath.Join(basePath, filepath.FromSlash(rel)),
			BundlePath: rel,
		})
	}
	return entries
}

// removeBundlePaths drops entries whose bundle path matches one of excluded,
// used to strip composer.json/composer.lock/vendor/composer/installed.json
// from the candidate set when excludeComposerFiles is set (SPEC_FULL.md §4.2).
func removeBundlePaths(entries []source.Entry, excluded ...string) []source.Entry {
	drop := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		drop[e] = true
	}
	kept := entries[:0]
	for _, e := range entries {
		if !drop[e.BundlePath] {
			kept = append(kept, e)
		}
	}
	return kept
}

func dumpContents(fs afero.Fs, dumpDir string, contents map[string][]byte) error {
	for bundlePath, data := range contents {
		dest := filepath.Join(dumpDir, filepath.FromSlash(bundlePath))
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(fs, dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// assembleOrder fixes the order regular (non-binary) entries are written to
// the archive in: the main script first, then the requirement-checker
// payload (identified by its fixed ".box/" bundle-path prefix), then every
// remaining entry sorted lexicographically. Binary files are ordered and
// appended separately by sortedBinaryEntries (SPEC_FULL.md §5).
func assembleOrder(mainScript *source.Entry, contents map[string][]byte) []string {
	mainPath := ""
	if mainScript != nil {
		mainPath = mainScript.BundlePath
	}

	var boxPaths, rest []string
	for bp := range contents {
		switch {
		case bp == mainPath:
			continue
		case strings.HasPrefix(bp, ".box/"):
			boxPaths = append(boxPaths, bp)
		default:
			rest = append(rest, bp)
		}
	}
	sort.Strings(boxPaths)
	sort.Strings(rest)

	out := make([]string, 0, len(contents))
	if mainPath != "" {
		if _, ok := contents[mainPath]; ok {
			out = append(out, mainPath)
		}
	}
	out = append(out, boxPaths...)
	out = append(out, rest...)
	return out
}

// sortedBinaryEntries returns binary entries in lexical bundle-path order,
// appended to the archive after every regular entry and streamed straight
// from disk with no Prefix/Compact transform (SPEC_FULL.md §4.1, §5).
func sortedBinaryEntries(entries []source.Entry) []source.Entry {
	out := append([]source.Entry{}, entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].BundlePath < out[j].BundlePath })
	return out
}

// checkDisjointBundlePaths rejects configurations where a regular and a
// binary entry share a bundle path — each entry must appear exactly once
// across the two lists (SPEC_FULL.md §3, §4.1).
func checkDisjointBundlePaths(regular, binary []source.Entry) error {
	seen := make(map[string]bool, len(regular))
	for _, e := range regular {
		seen[e.BundlePath] = true
	}
	for _, e := range binary {
		if seen[e.BundlePath] {
			return fmt.Errorf("bundle path %q declared as both a regular and a binary file", e.BundlePath)
		}
	}
	return nil
}

// dumpBinaryFiles copies binary entries into the debug dump directory by
// streaming, mirroring the no-full-buffering guarantee the Assemble stage
// itself observes for these files (SPEC_FULL.md §6, §8).
func dumpBinaryFiles(fs afero.Fs, dumpDir string, entries []source.Entry) error {
	for _, e := range entries {
		dest := filepath.Join(dumpDir, filepath.FromSlash(e.BundlePath))
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		src, err := fs.Open(e.LocalPath)
		if err != nil {
			return err
		}
		out, err := fs.Create(dest)
		if err != nil {
			src.Close()
			return err
		}
		_, copyErr := io.Copy(out, src)
		src.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// environmentSnapshot captures the ambient state a bug report needs: the
// interpreter version in use, its loaded extensions, the host OS, the
// invoking command, the builder's own version, and the wall-clock time the
// snapshot was taken (SPEC_FULL.md §6).
type environmentSnapshot struct {
	Timestamp      time.Time
	BuilderVersion string
	OS             string
	Arch           string
	InvokedCommand []string
	PHPVersion     string
	PHPExtensions  []string
}

// captureEnvironment shells out to the configured PHP binary for its
// version and loaded-extension list, the same os/exec + context.Context
// subprocess pattern used by the dependency-dump stage; a PHP binary that
// cannot be found or invoked yields empty strings rather than an error, since
// the debug dump must not fail the build over a missing interpreter.
func captureEnvironment(ctx context.Context) environmentSnapshot {
	snap := environmentSnapshot{
		Timestamp:      epochNow(),
		BuilderVersion: builderVersion,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		InvokedCommand: os.Args,
	}

	if out, err := exec.CommandContext(ctx, "php", "-v").Output(); err == nil {
		if line, _, ok := strings.Cut(string(out), "\n"); ok {
			snap.PHPVersion = strings.TrimSpace(line)
		} else {
			snap.PHPVersion = strings.TrimSpace(string(out))
		}
	}
	if out, err := exec.CommandContext(ctx, "php", "-m").Output(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "[") {
				continue
			}
			snap.PHPExtensions = append(snap.PHPExtensions, line)
		}
	}
	return snap
}

// writeDebugReport writes the `--debug` dump's environment and configuration
// summary alongside the per-entry file dump (SPEC_FULL.md §6: resolved
// configuration, PHP version, loaded extensions, OS, invoking command,
// builder version, timestamp).
func writeDebugReport(ctx context.Context, fs afero.Fs, dumpDir string, cfg *config.BuildConfig) error {
	snap := captureEnvironment(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "timestamp: %s\n", snap.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "builder-version: %s\n", snap.BuilderVersion)
	fmt.Fprintf(&b, "os: %s/%s\n", snap.OS, snap.Arch)
	fmt.Fprintf(&b, "invoked-command: %s\n", strings.Join(snap.InvokedCommand, " "))
	fmt.Fprintf(&b, "php-version: %s\n", snap.PHPVersion)
	fmt.Fprintf(&b, "php-extensions: %s\n", strings.Join(snap.PHPExtensions, ", "))
	b.WriteString("\n[configuration]\n")
	fmt.Fprintf(&b, "base-path: %s\n", cfg.BasePath)
	fmt.Fprintf(&b, "output-path: %s\n", cfg.OutputPath)
	fmt.Fprintf(&b, "alias: %s\n", cfg.Alias)
	fmt.Fprintf(&b, "compression: %s\n", cfg.CompressionAlgorithm)
	fmt.Fprintf(&b, "signing-algorithm: %s\n", cfg.SigningAlgorithm)
	fmt.Fprintf(&b, "compactors: %s\n", strings.Join(cfg.Compactors, ", "))
	fmt.Fprintf(&b, "check-requirements: %t\n", cfg.CheckRequirements)
	fmt.Fprintf(&b, "dump-autoload: %t\n", cfg.DumpAutoload)
	fmt.Fprintf(&b, "exclude-dev-files: %t\n", cfg.ExcludeDevFiles)
	fmt.Fprintf(&b, "exclude-composer-files: %t\n", cfg.ExcludeComposerFiles)
	fmt.Fprintf(&b, "is-dev-mode: %t\n", cfg.IsDevMode)

	dest := filepath.Join(dumpDir, "report.txt")
	if err := fs.MkdirAll(dumpDir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, dest, []byte(b.String()), 0o644)
}

// sampleRSS records the process's current resident set size into peak if it
// exceeds the value already stored there. A sampling failure (unsupported
// platform, missing /proc) leaves peak unchanged rather than failing the
// build (SPEC_FULL.md §4.9, §6).
func sampleRSS(peak *uint64) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	if info.RSS > *peak {
		*peak = info.RSS
	}
}

func epochNow() time.Time {
	if raw := os.Getenv("SOURCE_DATE_EPOCH"); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Now().UTC()
}
