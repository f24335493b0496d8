package letter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTextSmartQuotes(t *testing.T) {
	require.Equal(t, `It's a "deal"`, NormalizeText("It’s a “deal”"))
	require.Equal(t, "'quoted'", NormalizeText("‘quoted’"))
}

func TestNormalizeTextDashesAndBullets(t *testing.T) {
	require.Equal(t, "a - b - c", NormalizeText("a – b — c"))
	require.Equal(t, "* item", NormalizeText("• item"))
	require.Equal(t, "wait...", NormalizeText("wait…"))
}

func TestNormalizeTextSpaces(t *testing.T) {
	require.Equal(t, "a b", NormalizeText("a b"))   // no-break space
	require.Equal(t, "a b", NormalizeText("a b"))   // narrow no-break
	require.Equal(t, "ab", NormalizeText("a\u200Bb")) // zero width space
	require.Equal(t, "ab", NormalizeText("a\uFEFFb")) // BOM
	require.Equal(t, "plain", NormalizeText("plain"))    // ASCII untouched
}

func TestNormalizePostcode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"sw1a1aa", "SW1A 1AA"},
		{"SW1A 1AA", "SW1A 1AA"},
		{"  ls1 1aa ", "LS1 1AA"},
		{"m1 1ae", "M1 1AE"},
		{"ec1a1bb", "EC1A 1BB"},
		{"invalid", "invalid"},
		{"", ""},
		{"12345", "12345"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizePostcode(tc.in), "input %q", tc.in)
	}
}
