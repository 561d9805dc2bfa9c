// Package urispec implements the raddata://G0/... and mailto: spectrum
// URI codec: zero-run compression, StreamVByte integer packing,
// DEFLATE, Base-45 or URL-safe Base-64, and percent-encoding, with
// multi-part CRC-16/ARC fragmentation.
package urispec

import "fmt"

// base45Alphabet is the RFC 9285 Base-45 alphabet.
const base45Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:"

var base45Index [256]int8

func init() {
	for i := range base45Index {
		base45Index[i] = -1
	}
	for i, c := range base45Alphabet {
		base45Index[byte(c)] = int8(i)
	}
}

// Base45Encode encodes b per RFC 9285: bytes are consumed two at a
// time into a base-45 triple, with a trailing odd byte encoded as a
// pair.
func Base45Encode(b []byte) string {
	out := make([]byte, 0, (len(b)/2+1)*3)
	for i := 0; i+1 < len(b); i += 2 {
		n := int(b[i])<<8 | int(b[i+1])
		c := n % 45
		n /= 45
		d := n % 45
		n /= 45
		e := n % 45
		out = append(out, base45Alphabet[c], base45Alphabet[d], base45Alphabet[e])
	}
	if len(b)%2 == 1 {
		n := int(b[len(b)-1])
		c := n % 45
		d := n / 45
		out = append(out, base45Alphabet[c], base45Alphabet[d])
	}
	return string(out)
}

// Base45Decode decodes a Base-45 string per RFC 9285, rejecting any
// character outside the alphabet and any triple encoding a value
// greater than 0xFFFF.
func Base45Decode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*2/3+1)
	i := 0
	for i < len(s) {
		remaining := len(s) - i
		if remaining == 1 {
			return nil, fmt.Errorf("urispec: base45 input has a trailing single character")
		}
		if remaining >= 3 {
			c, err := base45Val(s[i])
			if err != nil {
				return nil, err
			}
			d, err := base45Val(s[i+1])
			if err != nil {
				return nil, err
			}
			e, err := base45Val(s[i+2])
			if err != nil {
				return nil, err
			}
			n := c + 45*d + 45*45*e
			if n > 0xFFFF {
				return nil, fmt.Errorf("urispec: base45 triple %d exceeds 0xFFFF", n)
			}
			out = append(out, byte(n>>8), byte(n&0xFF))
			i += 3
			continue
		}
		c, err := base45Val(s[i])
		if err != nil {
			return nil, err
		}
		d, err := base45Val(s[i+1])
		if err != nil {
			return nil, err
		}
		n := c + 45*d
		if n > 0xFF {
			return nil, fmt.Errorf("urispec: base45 pair %d exceeds 0xFF", n)
		}
		out = append(out, byte(n))
		i += 2
	}
	return out, nil
}

func base45Val(c byte) (int, error) {
	v := base45Index[c]
	if v < 0 {
		return 0, fmt.Errorf("urispec: %q is not a valid base45 character", c)
	}
	return int(v), nil
}
