package letter

import (
	"regexp"
	"strings"
)

// ukPostcode matches a compacted, upper-cased UK postcode: outward code
// (area + district) followed by the three-character inward code.
var ukPostcode = regexp.MustCompile(`^[A-Z]{1,2}[0-9][A-Z0-9]?[0-9][A-Z]{2}$`)

// NormalizePostcode upper-cases a UK postcode and inserts the single space
// before the inward code ("sw1a1aa" becomes "SW1A 1AA"). Input that does not
// look like a UK postcode is returned unchanged.
func NormalizePostcode(s string) string {
	compact := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if !ukPostcode.MatchString(compact) {
		return s
	}
	return compact[:len(compact)-3] + " " + compact[len(compact)-3:]
}
