// Package prefixer implements the optional Prefix (scoper) stage: piping
// source file contents through an external namespace-prefixing subprocess.
package prefixer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/boxbuild/box/internal/errs"
)

// Matcher decides whether a bundle path should be sent through the prefixer.
type Matcher func(bundlePath string) bool

// MatchBySuffix builds a Matcher that matches any of the given suffixes,
// defaulting to ".php" when none are given.
func MatchBySuffix(suffixes ...string) Matcher {
	if len(suffixes) == 0 {
		suffixes = []string{".php"}
	}
	return func(bundlePath string) bool {
		for _, s := range suffixes {
			if filepath.Ext(bundlePath) == s {
				return true
			}
		}
		return false
	}
}

// Prefixer transforms file content via an external subprocess that reads
// bytes on stdin and writes transformed bytes on stdout, with stderr as the
// side channel for errors (SPEC_FULL.md §4.3, §9).
type Prefixer struct {
	Command string
	Args    []string
	Match   Matcher
}

// Apply runs contents through the subprocess. Callers should only invoke
// this for paths where p.Match(relativePath) is true. relativePath names the
// file in error messages; it is not passed to the subprocess.
func (p Prefixer) Apply(ctx context.Context, contents []byte, relativePath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(contents)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", errs.ErrPrefixFailed, relativePath, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ApplyAll runs entries[path] through p.Apply for every path that matches,
// returning a map of transformed contents keyed by the same relative path.
func (p Prefixer) ApplyAll(ctx context.Context, entries map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(entries))
	for relPath, contents := range entries {
		if !p.Match(relPath) {
			out[relPath] = contents
			continue
		}
		transformed, err := p.Apply(ctx, contents, relPath)
		if err != nil {
			return nil, err
		}
		out[relPath] = transformed
	}
	return out, nil
}
