// Package permissions parses the octal chmod strings box.json accepts for
// the output archive's file mode, adapted from the teacher stack's own
// octal-string parser (pkg/utils/permissions/parser.go) to this module's
// default (archives are world-readable executables, not private key
// material, so the default is 0644 rather than 0600).
package permissions

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultArchiveMode is applied when box.json specifies no chmod value.
const DefaultArchiveMode = 0o644

// ParseOctalString parses an octal permission string into an os.FileMode
// value. Accepts "755", "0755", and "0o755" forms.
func ParseOctalString(s string) (uint32, error) {
	if s == "" {
		return DefaultArchiveMode, nil
	}

	trimmed := strings.TrimPrefix(s, "0o")
	trimmed = strings.TrimPrefix(trimmed, "0")
	if trimmed == "" {
		trimmed = "0"
	}

	val, err := strconv.ParseUint(trimmed, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permission string %q: %w", s, err)
	}
	return uint32(val), nil
}

// FormatOctal renders perm as a leading-zero octal string, e.g. for report
// output.
func FormatOctal(perm uint32) string {
	return fmt.Sprintf("0%o", perm)
}
