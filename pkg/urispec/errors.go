package urispec

import "errors"

var (
	errInvalidPercentEscape = errors.New("urispec: invalid percent-escape sequence")
	errCRCMismatch          = errors.New("urispec: CRC-16 mismatch across multi-part URI")
	errBadOptionBit         = errors.New("urispec: unknown encode-option bit set")
	errMalformedURI         = errors.New("urispec: malformed raddata URI")
)
