package letter

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Preview is the best-effort extraction of the fields worth showing while the
// letter JSON is still streaming in.
type Preview struct {
	Content     string
	SubjectHTML string
}

// ExtractPreview scans a partial JSON buffer for the last occurrence of the
// letter_content and subject_line_html keys and decodes their (possibly
// unterminated) string values. The scan tolerates truncation anywhere,
// including mid-escape.
func ExtractPreview(buf string) Preview {
	return Preview{
		Content:     lastStringValue(buf, "letter_content"),
		SubjectHTML: lastStringValue(buf, "subject_line_html"),
	}
}

// lastStringValue finds the final `"key"` occurrence followed by a colon and
// an opening quote, then decodes the JSON string escapes until the matching
// unescaped quote or the end of the buffer.
func lastStringValue(buf, key string) string {
	needle := `"` + key + `"`
	idx := strings.LastIndex(buf, needle)
	if idx < 0 {
		return ""
	}
	rest := buf[idx+len(needle):]
	rest = strings.TrimLeft(rest, " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return ""
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	return decodeJSONString(rest[1:])
}

// decodeJSONString decodes s up to the first unescaped quote. Truncated input
// decodes as far as it goes; a dangling escape is dropped.
func decodeJSONString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '"':
			return b.String()
		case '\\':
			if i+1 >= len(s) {
				return b.String()
			}
			esc := s[i+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case '\\', '"', '/':
				b.WriteByte(esc)
			case 'u':
				r, consumed := decodeUnicodeEscape(s[i:])
				if consumed == 0 {
					return b.String()
				}
				b.WriteRune(r)
				i += consumed
				continue
			default:
				// Unknown escape; keep the literal character.
				b.WriteByte(esc)
			}
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// decodeUnicodeEscape decodes a \uXXXX sequence starting at s[0] ('\\'),
// pairing surrogates when the second half is present. It returns the rune and
// the number of bytes consumed, or 0 when the sequence is truncated.
func decodeUnicodeEscape(s string) (rune, int) {
	if len(s) < 6 {
		return 0, 0
	}
	hi, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		return utf8.RuneError, 6
	}
	r := rune(hi)
	if utf16.IsSurrogate(r) && len(s) >= 12 && s[6] == '\\' && s[7] == 'u' {
		lo, err := strconv.ParseUint(s[8:12], 16, 32)
		if err == nil {
			if paired := utf16.DecodeRune(r, rune(lo)); paired != utf8.RuneError {
				return paired, 12
			}
		}
	}
	if utf16.IsSurrogate(r) {
		return utf8.RuneError, 6
	}
	return r, 6
}
