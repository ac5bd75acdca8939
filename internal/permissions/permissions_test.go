package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOctalStringVariants(t *testing.T) {
	cases := map[string]uint32{
		"":       DefaultArchiveMode,
		"644":    0o644,
		"0644":   0o644,
		"0o644":  0o644,
		"755":    0o755,
	}
	for input, want := range cases {
		got, err := ParseOctalString(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestParseOctalStringRejectsInvalid(t *testing.T) {
	_, err := ParseOctalString("xyz")
	require.Error(t, err)
}

func TestFormatOctal(t *testing.T) {
	require.Equal(t, "0644", FormatOctal(0o644))
}
