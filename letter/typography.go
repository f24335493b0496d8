package letter

import "strings"

// typographyReplacer maps the Unicode typography the models like to emit onto
// the plain ASCII the letter templates and downstream print pipeline expect.
var typographyReplacer = strings.NewReplacer(
	// smart quotes
	"‘", "'", // left single
	"’", "'", // right single
	"‚", "'", // low single
	"‛", "'",
	"“", `"`, // left double
	"”", `"`, // right double
	"„", `"`, // low double
	"‟", `"`,
	"′", "'", // prime
	"″", `"`, // double prime
	// dashes and hyphens
	"‐", "-",
	"‑", "-",
	"‒", "-",
	"–", "-", // en dash
	"—", "-", // em dash
	"―", "-",
	"−", "-", // minus sign
	// bullets
	"•", "*",
	"‣", "*",
	"◦", "*",
	// ellipsis
	"…", "...",
	// non-breaking and thin spaces become ordinary spaces
	" ", " ",
	" ", " ",
	" ", " ",
	" ", " ",
	" ", " ",
	// zero-width characters vanish; escapes because they are invisible and a
	// literal BOM is illegal past the first code point of a Go source file
	"\u200B", "",
	"\u200C", "",
	"\u200D", "",
	"\uFEFF", "",
)

// NormalizeText rewrites smart typography to its ASCII equivalent and strips
// invisible Unicode spacing.
func NormalizeText(s string) string {
	return typographyReplacer.Replace(s)
}
