// Package depdump invokes the dependency manager subprocess to refresh the
// autoload graph, the DependencyDump stage of the pipeline.
package depdump

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-hclog"

	"github.com/boxbuild/box/internal/errs"
)

// Options configures one dump-autoload invocation.
type Options struct {
	// Command is the dependency-manager executable, e.g. "composer".
	Command string
	BasePath string
	NoDev    bool
	Verbose  bool
	ExtraArgs []string
}

// Result captures the subprocess outcome for diagnostics.
type Result struct {
	Stdout string
	Stderr string
}

// AutoloadArtifacts lists the files DependencyDump expects to exist after a
// successful dump (SPEC_FULL.md §4.2). SourceEnumerate picks these up as
// ordinary discovered files; this package only verifies the dump succeeded.
var AutoloadArtifacts = []string{
	"vendor/autoload.php",
	"vendor/composer/autoload_classmap.php",
	"vendor/composer/autoload_psr4.php",
	"vendor/composer/autoload_namespaces.php",
	"vendor/composer/autoload_real.php",
	"vendor/composer/autoload_static.php",
}

// Run invokes the dependency manager. A non-zero exit is fatal and returns
// errs.ErrDependencyManagerFailed wrapping the captured output.
func Run(ctx context.Context, logger hclog.Logger, opts Options) (*Result, error) {
	if opts.Command == "" {
		opts.Command = "composer"
	}

	args := []string{"dump-autoload", "--classmap-authoritative"}
	if opts.NoDev {
		args = append(args, "--no-dev")
	}
	if opts.Verbose {
		args = append(args, "-v")
	}
	args = append(args, opts.ExtraArgs...)

	logger.Debug("invoking dependency manager", "command", opts.Command, "args", args)

	cmd := exec.CommandContext(ctx, opts.Command, args...)
	cmd.Dir = opts.BasePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v\nstdout:\n%s\nstderr:\n%s",
			errs.ErrDependencyManagerFailed, err, stdout.String(), stderr.String())
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
