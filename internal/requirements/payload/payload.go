// Package payload embeds the fixed requirement-checker file set shipped
// inside every bundle that requests CheckRequirements, so the builder stays
// a single self-contained executable (SPEC_FULL.md §4.5).
package payload

import "embed"

//go:embed bin/check-requirements.php src/Checker.php
var FS embed.FS

// Files lists the bundle paths the payload occupies under .box/.
var Files = []string{
	"bin/check-requirements.php",
	"src/Checker.php",
}
