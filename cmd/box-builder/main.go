package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/boxbuild/box/internal/build"
	"github.com/boxbuild/box/internal/config"
	"github.com/boxbuild/box/internal/logging"
)

const version = "0.1.0"

var (
	configPath  string
	noConfig    bool
	workingDir  string
	devFlag     bool
	debugFlag   bool
	noParallel  bool
	withDocker  bool
	logLevel    string
	versionFlag bool

	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "box-builder",
		Short: "Build self-executing application bundles",
		Long:  "Build self-executing application bundles",
	}

	compileCmd := &cobra.Command{
		Use:   "compile",
		Short: "Build the bundle for the current project",
		RunE:  runCompile,
	}

	compileCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to box.json (defaults to box.json or box.json.dist in the working directory)")
	compileCmd.Flags().BoolVar(&noConfig, "no-config", false, "Ignore any box.json and build from defaults")
	compileCmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory (defaults to the current directory)")
	compileCmd.Flags().BoolVar(&devFlag, "dev", false, "Build in dev mode (forces compression to NONE)")
	compileCmd.Flags().BoolVar(&debugFlag, "debug", false, "Write intermediate stage contents to .box_dump for inspection")
	compileCmd.Flags().BoolVar(&noParallel, "no-parallel", false, "Accepted for interface compatibility; the pipeline is always single-threaded")
	compileCmd.Flags().BoolVar(&withDocker, "with-docker", false, "Accepted for interface compatibility; Dockerfile emission is out of scope")
	compileCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(compileCmd)
	rootCmd.Flags().BoolVarP(&versionFlag, "version", "V", false, "Show version information")
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-V") {
		printVersion()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("box-builder %s\n", version)
}

func runCompile(cmd *cobra.Command, args []string) error {
	if versionFlag {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := logLevel
	if debugFlag {
		level = "trace"
	}
	logger := logging.New("box-builder", level, os.Stderr)

	dumpDir := ""
	if debugFlag {
		dumpDir = ".box_dump"
	}

	report, err := build.Run(build.Options{
		Fs:      afero.NewOsFs(),
		Logger:  logger,
		Context: ctx,
		DumpDir: dumpDir,
		Config: config.Options{
			ConfigPath: configPath,
			NoConfig:   noConfig,
			WorkingDir: workingDir,
			Dev:        devFlag,
		},
	})
	if err != nil {
		return err
	}

	printReport(report)
	return nil
}

func printReport(report *build.Report) {
	out := colorable.NewColorableStdout()
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	bold.Fprintln(out, report.OutputPath)
	green.Fprintf(out, "  %d files, %d bytes compressed (%d bytes uncompressed), signed with %s\n",
		report.FileCount, report.CompressedSize, report.UncompressedSize, report.SigningAlgorithm)
	fmt.Fprintf(out, "  built in %s\n", report.Duration.Round(time.Millisecond))
	if report.PeakMemoryBytes > 0 {
		fmt.Fprintf(out, "  peak memory: %d bytes\n", report.PeakMemoryBytes)
	}

	for _, w := range report.Warnings {
		yellow.Fprintf(out, "  warning: %s\n", w)
	}
	for _, r := range report.Recommendations {
		fmt.Fprintf(out, "  recommendation: %s\n", r)
	}
}
