package urispec

import "strings"

// fullEscapeSet is the character set escaped for direct-QR URIs:
// `" $&+,:;=?@'"<>#%{}|\^~[]`/` plus the space character.
const fullEscapeSet = " $&+,:;=?@'\"<>#%{}|\\^~[]`/"

// mailtoEscapeSet is the reduced RFC 6068 set used for mailto bodies.
const mailtoEscapeSet = "%&;=/?#[]"

var fullEscapeTable = buildEscapeTable(fullEscapeSet)
var mailtoEscapeTable = buildEscapeTable(mailtoEscapeSet)

func buildEscapeTable(set string) [256]bool {
	var t [256]bool
	for i := 0; i < len(set); i++ {
		t[set[i]] = true
	}
	return t
}

const hexDigits = "0123456789ABCDEF"

// PercentEncode escapes every byte in s present in the given set,
// using uppercase hex digits. mailto selects the reduced RFC 6068 set;
// otherwise the full QR set is used.
func PercentEncode(s string, mailto bool) string {
	table := &fullEscapeTable
	if mailto {
		table = &mailtoEscapeTable
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if table[c] {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xF])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PercentDecode reverses PercentEncode (and any standard percent
// escaping), rejecting invalid escapes.
func PercentDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errInvalidPercentEscape
		}
		hi, ok1 := hexVal(s[i+1])
		lo, ok2 := hexVal(s[i+2])
		if !ok1 || !ok2 {
			return "", errInvalidPercentEscape
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	default:
		return 0, false
	}
}
