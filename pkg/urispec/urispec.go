package urispec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// fieldKeyPattern locates " X:" key markers (space-or-start, single
// uppercase letter, colon) in a preamble. Free text fields are
// sanitized on encode so this exact pattern never occurs inside their
// content, which is what makes scanning for it safe.
var fieldKeyPattern = regexp.MustCompile(`(^|\s)([A-Z]):`)

// splitPreambleFields parses a preamble into key->value, where a
// value runs from just after its "X:" marker up to (but not
// including) the next marker, trimmed of surrounding whitespace. This
// tolerates free-text values (model, title) that contain spaces,
// unlike a naive strings.Fields split.
func splitPreambleFields(preamble string) map[string]string {
	matches := fieldKeyPattern.FindAllStringSubmatchIndex(preamble, -1)
	out := make(map[string]string, len(matches))
	for i, m := range matches {
		key := preamble[m[4]:m[5]]
		valStart := m[1]
		valEnd := len(preamble)
		if i+1 < len(matches) {
			valEnd = matches[i+1][0]
		}
		out[key] = strings.TrimSpace(preamble[valStart:valEnd])
	}
	return out
}

const spectrumSeparator = ":0A:"

// sanitizeFreeText neutralizes any occurrence of " X:" (whitespace,
// capital letter, colon) so the key layout cannot be spoofed by attacker
// controlled free text, then length-caps to maxBytes via UTF-8-aware
// truncation.
func sanitizeFreeText(s string, maxBytes int) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		isSpace := s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\f' || s[i] == '\r'
		if i+2 < len(s) && isSpace && s[i+1] >= 'A' && s[i+1] <= 'Z' && s[i+2] == ':' {
			out = append(out, s[i], '_', '_')
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return utf8Limit(string(out), maxBytes)
}

func utf8Limit(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	// Back up from the cut to the start of the rune it falls in, so a
	// rune cut off mid-sequence is dropped whole.
	i := maxBytes
	for i > 0 && s[i]&0xC0 == 0x80 {
		i--
	}
	return s[:i]
}

func fieldSeparator(opts EncodeOptions) string {
	if opts&NoDeflate != 0 && opts&NoBaseXEncoding != 0 {
		return "$"
	}
	return ","
}

func joinFloats(v []float64, sep string) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, sep)
}

// buildPreamble builds the space-separated key-value preamble for one
// spectrum's payload.
func buildPreamble(u UrlSpectrum, opts EncodeOptions) string {
	sep := fieldSeparator(opts)
	var b strings.Builder

	fmt.Fprintf(&b, "I:%c ", u.Item)
	fmt.Fprintf(&b, "T:%s%s%s ", formatFloat(u.RealTime), sep, formatFloat(u.LiveTime))
	if len(u.EnergyCalCoeffs) > 0 {
		fmt.Fprintf(&b, "C:%s ", joinFloats(u.EnergyCalCoeffs, sep))
	}
	if len(u.DeviationPairsFlat) > 0 {
		fmt.Fprintf(&b, "D:%s ", joinFloats(u.DeviationPairsFlat, sep))
	}
	if u.Model != "" {
		fmt.Fprintf(&b, "M:%s ", sanitizeFreeText(u.Model, 30))
	}
	if u.HasStartTime {
		fmt.Fprintf(&b, "P:%s ", u.StartTime.UTC().Format("20060102T150405"))
	}
	if u.HasGPS {
		fmt.Fprintf(&b, "G:%s%s%s ", formatFloat(u.Latitude), sep, formatFloat(u.Longitude))
	}
	fmt.Fprintf(&b, "N:%d ", u.NeutronSum)
	if u.Title != "" {
		fmt.Fprintf(&b, "O:%s ", sanitizeFreeText(u.Title, 60))
	}
	b.WriteString("S:")
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeChannelData renders u.Channels as the channel-data region
// following "S:".
func encodeChannelData(channels []uint32, opts EncodeOptions) ([]byte, error) {
	data := channels
	if opts&NoZeroCompressCounts == 0 {
		data = compressCountedZerosU32(data)
	}
	if opts&CsvChannelData != 0 {
		sep := fieldSeparator(opts)
		parts := make([]string, len(data))
		for i, v := range data {
			parts[i] = strconv.FormatUint(uint64(v), 10)
		}
		return []byte(strings.Join(parts, sep)), nil
	}
	return StreamVByteEncode(data)
}

func decodeChannelData(raw []byte, opts EncodeOptions) ([]uint32, error) {
	var data []uint32
	if opts&CsvChannelData != 0 {
		sep := ","
		if opts&NoDeflate != 0 && opts&NoBaseXEncoding != 0 {
			sep = "$"
		}
		parts := strings.Split(string(raw), sep)
		data = make([]uint32, 0, len(parts))
		for _, p := range parts {
			if p == "" {
				continue
			}
			v, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("urispec: bad CSV channel value %q: %w", p, err)
			}
			data = append(data, uint32(v))
		}
	} else {
		var err error
		data, err = StreamVByteDecode(raw)
		if err != nil {
			return nil, err
		}
	}
	if opts&NoZeroCompressCounts == 0 {
		var err error
		data, err = expandCountedZerosU32(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// encodeOnePayload builds the full textual payload (preamble +
// channel data) for one spectrum.
func encodeOnePayload(u UrlSpectrum, opts EncodeOptions) (string, error) {
	preamble := buildPreamble(u, opts)
	chanBytes, err := encodeChannelData(u.Channels, opts)
	if err != nil {
		return "", err
	}
	return preamble + string(chanBytes), nil
}

// applyCodecPipeline runs DEFLATE then Base-X over one part's raw
// textual payload.
func applyCodecPipeline(payload []byte, opts EncodeOptions) ([]byte, error) {
	data := payload
	if opts&NoDeflate == 0 {
		var err error
		data, err = DeflateCompress(data)
		if err != nil {
			return nil, err
		}
	}
	if opts&NoBaseXEncoding != 0 {
		return data, nil
	}
	if opts&UseUrlSafeBase64 != 0 {
		return []byte(Base64URLEncode(data, false)), nil
	}
	return []byte(Base45Encode(data)), nil
}

// reverseCodecPipeline inverts applyCodecPipeline. Base-45 input gets one
// extra tolerance a straight decode doesn't need: some QR scanners have
// been observed appending trailing spaces to the scanned text, so on
// failure (of either the Base-45 parse itself or, when DEFLATE is
// claimed, the decompress that follows it) a trailing space is
// trimmed and the decode retried, until it succeeds or no trailing
// space remains.
func reverseCodecPipeline(data []byte, opts EncodeOptions) ([]byte, error) {
	if opts&NoBaseXEncoding != 0 {
		return finishDeflate(data, opts)
	}
	if opts&UseUrlSafeBase64 != 0 {
		raw, err := Base64URLDecode(string(data))
		if err != nil {
			return nil, err
		}
		return finishDeflate(raw, opts)
	}

	s := string(data)
	var lastErr error
	for {
		raw, err := Base45Decode(s)
		if err == nil {
			out, derr := finishDeflate(raw, opts)
			if derr == nil {
				return out, nil
			}
			err = derr
		}
		lastErr = err
		if len(s) == 0 || s[len(s)-1] != ' ' {
			return nil, lastErr
		}
		s = s[:len(s)-1]
	}
}

func finishDeflate(data []byte, opts EncodeOptions) ([]byte, error) {
	if opts&NoDeflate == 0 {
		return DeflateDecompress(data)
	}
	return data, nil
}

// splitBytes partitions the already deflate+Base-X encoded byte
// stream into p roughly equal fragments. The fragments are only
// meaningful concatenated back together in index
// order -- neither StreamVByte's length-prefixed records nor a DEFLATE
// stream can be decoded piecewise, so fragmentation happens after the
// full codec pipeline runs once over the whole payload, never before.
func splitBytes(data []byte, p int) [][]byte {
	if p <= 1 {
		return [][]byte{data}
	}
	out := make([][]byte, p)
	n := len(data)
	base := n / p
	rem := n % p
	idx := 0
	for i := 0; i < p; i++ {
		sz := base
		if i < rem {
			sz++
		}
		out[i] = data[idx : idx+sz]
		idx += sz
	}
	return out
}

// EncodeSpectraToURL encodes a list of UrlSpectrum, an options byte,
// and a target part count P in [1,9] into one or more raddata:// URLs.
// Multiple spectra require P == 1.
func EncodeSpectraToURL(specs []UrlSpectrum, opts EncodeOptions, parts int) ([]string, error) {
	mailto := opts&AsMailToUri != 0
	// The 0x20 bit was historically written into the options byte in
	// error; this implementation never writes it, only honoring it
	// internally to select mailto-style escaping. It is still masked
	// out of the byte that gets hex-encoded below.
	opts &^= AsMailToUri
	if parts < 1 || parts > 9 {
		return nil, fmt.Errorf("urispec: part count %d out of range [1,9]", parts)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("urispec: no spectra to encode")
	}
	if len(specs) > 1 && parts != 1 {
		return nil, fmt.Errorf("urispec: multi-spectrum encoding requires part count 1")
	}

	var rawPayload []byte
	{
		var buf strings.Builder
		for i, u := range specs {
			payload, err := encodeOnePayload(u, opts)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				buf.WriteString(spectrumSeparator)
			}
			buf.WriteString(payload)
		}
		rawPayload = []byte(buf.String())
	}

	encoded, err := applyCodecPipeline(rawPayload, opts)
	if err != nil {
		return nil, err
	}

	fragments := splitBytes(encoded, parts)

	var crc uint16
	if len(fragments) > 1 {
		crc = CRC16ARC(encoded)
	}

	optDigits := fmt.Sprintf("%X", byte(opts))

	out := make([]string, len(fragments))
	for i, frag := range fragments {
		escaped := PercentEncode(string(frag), mailto)

		var trailer string
		if len(fragments) > 1 {
			trailer = fmt.Sprintf("%X%X/%d/", len(fragments)-1, i, crc)
		} else {
			trailer = fmt.Sprintf("0%X/", len(specs)-1)
		}

		out[i] = fmt.Sprintf("RADDATA://G0/%s%s%s", optDigits, trailer, escaped)
	}
	return out, nil
}

// DecodeURLToSpectra accepts one or more URL strings belonging to the
// same multi-part set (in any order) and returns the recovered
// UrlSpectrum list.
func DecodeURLToSpectra(urls []string) ([]UrlSpectrum, error) {
	if len(urls) == 0 {
		return nil, errMalformedURI
	}

	type parsedPart struct {
		opts     EncodeOptions
		numURLs  int
		idx      int
		numSpec  int
		crc      uint16
		escaped  string
	}
	parts := make([]parsedPart, 0, len(urls))

	for _, raw := range urls {
		s := normalizeURIPrefix(raw)
		opts, rest, err := parseOptionsByte(s)
		if err != nil {
			return nil, err
		}
		numURLs, rest, err := consumeHexDigit(rest)
		if err != nil {
			return nil, err
		}
		numURLs++
		var idx, numSpec int
		idx, rest, err = consumeHexDigit(rest)
		if err != nil {
			return nil, err
		}
		if numURLs <= 1 {
			numSpec = idx + 1
			idx = 0
		}
		if len(rest) == 0 || rest[0] != '/' {
			return nil, errMalformedURI
		}
		rest = rest[1:]

		var crc uint16
		if numURLs > 1 {
			crcVal, r2, err := parseDecimalField(rest)
			if err != nil {
				return nil, err
			}
			crc = uint16(crcVal)
			rest = r2
		}
		parts = append(parts, parsedPart{opts: opts, numURLs: numURLs, idx: idx, numSpec: numSpec, crc: crc, escaped: rest})
	}

	opts := parts[0].opts
	numURLs := parts[0].numURLs
	if len(parts) != numURLs {
		return nil, fmt.Errorf("urispec: expected %d URL parts, got %d", numURLs, len(parts))
	}

	ordered := make([]string, numURLs)
	for _, p := range parts {
		if p.idx < 0 || p.idx >= numURLs {
			return nil, errMalformedURI
		}
		ordered[p.idx] = p.escaped
	}

	// Fragments only make sense concatenated back together in index
	// order before reversing Base-X/DEFLATE: neither is splittable at
	// an arbitrary byte boundary (see splitBytes).
	var encodedAll []byte
	for _, escaped := range ordered {
		unescaped, err := percentDecodeTolerant(escaped)
		if err != nil {
			return nil, err
		}
		encodedAll = append(encodedAll, unescaped...)
	}

	if numURLs > 1 {
		if got := CRC16ARC(encodedAll); got != parts[0].crc {
			return nil, errCRCMismatch
		}
	}

	joined, err := decodeWithPercentRetries(encodedAll, opts)
	if err != nil {
		return nil, err
	}

	numSpec := parts[0].numSpec
	if numSpec == 0 {
		numSpec = 1
	}
	return parsePayload(string(joined), opts, numSpec)
}

func percentDecodeTolerant(s string) ([]byte, error) {
	decoded, err := PercentDecode(s)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

// decodeWithPercentRetries runs reverseCodecPipeline over data, and if
// that fails, percent-decodes data again and retries, up to twice more.
// Some mail clients re-encode the already-percent-encoded body when a
// raddata:// link is pasted into a mailto: URI, so what arrives here
// can legitimately still carry one or two extra layers of percent
// escaping.
func decodeWithPercentRetries(data []byte, opts EncodeOptions) ([]byte, error) {
	candidate := data
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := reverseCodecPipeline(candidate, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt >= 2 {
			return nil, lastErr
		}
		decoded, derr := PercentDecode(string(candidate))
		if derr != nil {
			return nil, lastErr
		}
		candidate = []byte(decoded)
	}
}

func normalizeURIPrefix(s string) string {
	upper := strings.ToUpper(s)
	if i := strings.Index(upper, "RADDATA://G0/"); i >= 0 {
		return s[i+len("RADDATA://G0/"):]
	}
	if i := strings.Index(upper, "INTERSPEC://G0/"); i >= 0 {
		return s[i+len("INTERSPEC://G0/"):]
	}
	if i := strings.Index(upper, "RADDATA:G0/"); i >= 0 {
		return s[i+len("RADDATA:G0/"):]
	}
	return s
}

func parseOptionsByte(s string) (EncodeOptions, string, error) {
	// The options field is normally one hex digit (opts, nparts, idx,
	// '/'), but a legacy writer emits two digits when the mailto bit
	// is set, shifting the '/' out to index 4. Distinguish the two
	// forms by checking whether the char at the single-digit form's
	// expected '/' position actually is one.
	if len(s) < 4 {
		return 0, "", errMalformedURI
	}
	width := 1
	if s[3] != '/' {
		width = 2
	}
	if len(s) < width {
		return 0, "", errMalformedURI
	}
	v, err := strconv.ParseUint(s[:width], 16, 8)
	if err != nil {
		return 0, "", errMalformedURI
	}
	opts := EncodeOptions(v) &^ AsMailToUri
	if EncodeOptions(v)&^knownOptionBits != 0 {
		return 0, "", errBadOptionBit
	}
	return opts, s[width:], nil
}

// consumeHexDigit consumes exactly one hex digit from the front of s,
// matching the fixed single-character width of the NPARTS-1 and
// IDX-or-NSPEC-1 fields in the raddata:// prefix -- these two fields
// are written back-to-back with no separator between them, only a
// single trailing '/' after both.
func consumeHexDigit(s string) (int, string, error) {
	if len(s) == 0 {
		return 0, "", errMalformedURI
	}
	v, err := strconv.ParseUint(s[:1], 16, 8)
	if err != nil {
		return 0, "", errMalformedURI
	}
	return int(v), s[1:], nil
}

func parseDecimalField(s string) (int, string, error) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return 0, "", errMalformedURI
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, "", errMalformedURI
	}
	return v, s[i+1:], nil
}

// parsePayload parses the decoded key-value preamble(s) and channel
// region.
func parsePayload(payload string, opts EncodeOptions, numSpec int) ([]UrlSpectrum, error) {
	chunks := strings.Split(payload, spectrumSeparator)
	out := make([]UrlSpectrum, 0, len(chunks))
	var first UrlSpectrum
	for i, chunk := range chunks {
		u, err := parseOnePayload(chunk, opts)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = u
		} else {
			inheritFromFirst(&u, first)
		}
		out = append(out, u)
	}
	return out, nil
}

func inheritFromFirst(u *UrlSpectrum, first UrlSpectrum) {
	if u.Model == "" {
		u.Model = first.Model
	}
	if len(u.EnergyCalCoeffs) == 0 {
		u.EnergyCalCoeffs = first.EnergyCalCoeffs
		u.DeviationPairsFlat = first.DeviationPairsFlat
	}
	if !u.HasGPS {
		u.HasGPS = first.HasGPS
		u.Latitude = first.Latitude
		u.Longitude = first.Longitude
	}
	if u.Title == "" {
		u.Title = first.Title
	}
}

func parseOnePayload(chunk string, opts EncodeOptions) (UrlSpectrum, error) {
	sep := fieldSeparator(opts)
	si := strings.Index(chunk, "S:")
	if si < 0 {
		return UrlSpectrum{}, fmt.Errorf("urispec: payload missing S: channel-data field")
	}
	preamble := chunk[:si]
	chanRegion := chunk[si+2:]

	u := UrlSpectrum{NeutronSum: -1}
	for key, val := range splitPreambleFields(preamble) {
		switch key {
		case "I":
			if len(val) > 0 {
				u.Item = ItemType(val[0])
			}
		case "T":
			vals := strings.SplitN(val, sep, 2)
			if len(vals) == 2 {
				u.RealTime, _ = strconv.ParseFloat(vals[0], 64)
				u.LiveTime, _ = strconv.ParseFloat(vals[1], 64)
			}
		case "C":
			parts := strings.Split(val, sep)
			u.EnergyCalCoeffs = make([]float64, len(parts))
			for i, p := range parts {
				u.EnergyCalCoeffs[i], _ = strconv.ParseFloat(p, 64)
			}
		case "D":
			parts := strings.Split(val, sep)
			u.DeviationPairsFlat = make([]float64, len(parts))
			for i, p := range parts {
				u.DeviationPairsFlat[i], _ = strconv.ParseFloat(p, 64)
			}
		case "M":
			u.Model = val
		case "P":
			if t, err := time.Parse("20060102T150405", val); err == nil {
				u.StartTime = t
				u.HasStartTime = true
			}
		case "G":
			vals := strings.SplitN(val, sep, 2)
			if len(vals) == 2 {
				u.Latitude, _ = strconv.ParseFloat(vals[0], 64)
				u.Longitude, _ = strconv.ParseFloat(vals[1], 64)
				u.HasGPS = true
			}
		case "N":
			u.NeutronSum, _ = strconv.Atoi(val)
		case "O":
			u.Title = val
		}
	}

	channels, err := decodeChannelData([]byte(chanRegion), opts)
	if err != nil {
		return UrlSpectrum{}, err
	}
	u.Channels = channels
	return u, nil
}
