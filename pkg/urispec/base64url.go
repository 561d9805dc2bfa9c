package urispec

import "encoding/base64"

// Base64URLEncode encodes b as RFC 4648 §5 URL-safe Base-64, with or
// without padding. encoding/base64's RawURLEncoding/URLEncoding are
// exactly this format already -- no third-party library is needed
// for it.
func Base64URLEncode(b []byte, padded bool) string {
	if padded {
		return base64.URLEncoding.EncodeToString(b)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes an RFC 4648 §5 URL-safe Base-64 string,
// tolerating both padded and unpadded input.
func Base64URLDecode(s string) ([]byte, error) {
	if len(s)%4 == 0 {
		if b, err := base64.URLEncoding.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return base64.RawURLEncoding.DecodeString(s)
}
