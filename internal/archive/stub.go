package archive

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/boxbuild/box/internal/errs"
)

// HaltCompilerTerminator is the fixed terminator every stub must end with,
// optionally followed by exactly one newline (SPEC_FULL.md §4.6, invariant 3).
const HaltCompilerTerminator = "__HALT_COMPILER(); ?>"

// StubSpec configures generated-stub synthesis.
type StubSpec struct {
	Shebang            string
	HasShebang         bool
	Banner             string
	Alias              string
	Index              string // bundle path of the main script, "" for none
	InterceptFileFuncs bool
	CheckRequirements  bool
}

// RenderStub renders spec to the exact textual layout SPEC_FULL.md §4.6
// defines. Trailing whitespace is not trimmed.
func RenderStub(spec StubSpec) []byte {
	var b strings.Builder

	if spec.HasShebang && spec.Shebang != "" {
		b.WriteString(spec.Shebang)
		b.WriteString("\n")
	}
	b.WriteString("<?php\n\n")

	if spec.Banner != "" {
		b.WriteString(renderBanner(spec.Banner))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Phar::mapPhar('%s');\n\n", spec.Alias)

	if spec.InterceptFileFuncs {
		b.WriteString("Phar::interceptFileFuncs();\n\n")
	}

	if spec.CheckRequirements {
		fmt.Fprintf(&b, "require 'phar://%s/.box/bin/check-requirements.php';\n\n", spec.Alias)
	}

	if spec.Index != "" {
		fmt.Fprintf(&b, "require 'phar://%s/%s';\n\n", spec.Alias, spec.Index)
	}

	b.WriteString(HaltCompilerTerminator)
	b.WriteString("\n")

	return []byte(b.String())
}

// RenderDefaultStub renders the host interpreter's built-in default stub:
// alias mapping only, no banner, no shebang, no main-script require. Used
// when box.json sets `"stub": true` (SPEC_FULL.md §4.6).
func RenderDefaultStub(alias string) []byte {
	var b strings.Builder
	b.WriteString("<?php\n\n")
	fmt.Fprintf(&b, "Phar::mapPhar('%s');\n\n", alias)
	b.WriteString(HaltCompilerTerminator)
	b.WriteString("\n")
	return []byte(b.String())
}

// renderBanner wraps banner as a `/* ... */` comment block, one `* `-prefixed
// line per input line. A one-line banner still uses the block form.
func renderBanner(banner string) string {
	lines := strings.Split(banner, "\n")
	var b strings.Builder
	b.WriteString("/*\n")
	for _, line := range lines {
		b.WriteString(" * ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(" */")
	return b.String()
}

// ValidateStub enforces invariant 3: the stub must end with
// HaltCompilerTerminator, optionally followed by exactly one '\n'.
func ValidateStub(stub []byte) error {
	if bytes.HasSuffix(stub, []byte(HaltCompilerTerminator)) {
		return nil
	}
	if bytes.HasSuffix(stub, []byte(HaltCompilerTerminator+"\n")) {
		return nil
	}
	return errs.ErrStubInvalid
}
