// Package errs holds the fatal error taxonomy for a build, grouped by the
// subsystem that raises them. Call sites wrap a sentinel with fmt.Errorf and
// %w so the CLI boundary can classify a failure with errors.Is.
package errs

import "errors"

var (
	// Config errors
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrHostReadOnly  = errors.New("host interpreter forbids creating self-executing archives")

	// Source errors
	ErrUnreadableSource        = errors.New("source path is not readable")
	ErrConflictingSourcePaths  = errors.New("two source paths map to the same bundle path")

	// Subprocess errors
	ErrDependencyManagerFailed = errors.New("dependency manager exited non-zero")
	ErrPrefixFailed            = errors.New("prefixer returned an error")

	// Archive errors
	ErrDuplicateEntry = errors.New("entry already exists in archive")
	ErrStubInvalid    = errors.New("custom stub lacks the halt-compiler terminator")
	ErrArchiveIOError = errors.New("archive write failed")

	// Signing errors
	ErrSigningKeyRequired  = errors.New("signing key required for OPENSSL algorithm")
	ErrSigningKeyUnreadable = errors.New("signing key file missing, malformed, or wrong passphrase")
)
