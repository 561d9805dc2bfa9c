package sutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EndianHint selects which of month-first/day-first ambiguous numeric
// date formats (e.g. "02/03/2016") is tried first.
type EndianHint int

const (
	MiddleEndianFirst EndianHint = iota // month-first tried first, then day-first
	LittleEndianFirst                   // day-first tried first, then month-first
	LittleEndianOnly                    // only day-first is tried
)

// middleEndianFormats and littleEndianFormats list the ranked format
// strings this package recognizes, translated from C strptime/Boost
// syntax to Go's reference-time layout. Ordering within each list
// matters: the first one that parses wins.
var (
	commonFormats = []string{
		"02-Jan-2006 15:04:05",
		"02-Jan-06 15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05Z",
		"2006-01-02T15:04:05",
		"02.01.2006 15:04:05",
		"20060102T150405",
	}
	middleEndianFormats = []string{
		"01/02/2006 15:04:05 PM",
		"01/02/2006 15:04:05",
		"01/02/2006",
	}
	littleEndianFormats = []string{
		"02/01/2006 15:04:05 PM",
		"02/01/2006 15:04:05",
		"02/01/2006",
	}
)

// ParseTime parses a free-form timestamp string by normalizing it and
// then trying a ranked list of candidate layouts. Returns an error
// ("not a valid time") if no format matches.
func ParseTime(s string, hint EndianHint) (time.Time, error) {
	s = normalizeTimeString(s)

	add100Years := false
	if y := extractYear(s); y >= 2031 && y <= 2099 {
		s = shiftYear(s, -100)
		add100Years = true
	}

	formats := make([]string, 0, len(commonFormats)+len(middleEndianFormats)+len(littleEndianFormats))
	formats = append(formats, commonFormats...)
	switch hint {
	case MiddleEndianFirst:
		formats = append(formats, middleEndianFormats...)
		formats = append(formats, littleEndianFormats...)
	case LittleEndianFirst:
		formats = append(formats, littleEndianFormats...)
		formats = append(formats, middleEndianFormats...)
	case LittleEndianOnly:
		formats = append(formats, littleEndianFormats...)
	}

	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			if add100Years {
				t = t.AddDate(100, 0, 0)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("sutil: %q is not a valid time", s)
}

// normalizeTimeString upper-cases and trims, collapses "_T"
// separators, and collapses double spaces.
func normalizeTimeString(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_T", "T")
	s = strings.ReplaceAll(s, "_t", "T")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return stripGMTOffset(s)
}

// stripGMTOffset detects and strips a trailing "+HH:MM" or "-HH:MM"
// GMT offset. The offset is recorded nowhere further: results remain
// in the original, un-zone-shifted local time.
func stripGMTOffset(s string) string {
	if len(s) < 6 {
		return s
	}
	tail := s[len(s)-6:]
	if (tail[0] == '+' || tail[0] == '-') && tail[3] == ':' {
		if _, err := strconv.Atoi(tail[1:3]); err == nil {
			if _, err := strconv.Atoi(tail[4:6]); err == nil {
				return strings.TrimSpace(s[:len(s)-6])
			}
		}
	}
	return s
}

// extractYear scans for the first 4-digit run that looks like a year.
func extractYear(s string) int {
	for i := 0; i+4 <= len(s); i++ {
		chunk := s[i : i+4]
		allDigits := true
		for _, c := range chunk {
			if c < '0' || c > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			if y, err := strconv.Atoi(chunk); err == nil && y >= 1900 && y <= 2100 {
				return y
			}
		}
	}
	return 0
}

// shiftYear adds delta years to the first matched 4-digit year run.
func shiftYear(s string, delta int) string {
	for i := 0; i+4 <= len(s); i++ {
		chunk := s[i : i+4]
		if y, err := strconv.Atoi(chunk); err == nil && y >= 1900 && y <= 2100 {
			return s[:i] + fmt.Sprintf("%04d", y+delta) + s[i+4:]
		}
	}
	return s
}

// ToISOString formats t as basic ISO-8601 with microsecond precision:
// "20140414T141201.621543".
func ToISOString(t time.Time) string {
	return fmt.Sprintf("%s.%06d", t.Format("20060102T150405"), t.Nanosecond()/1000)
}

// ToISOExtendedString formats t as extended ISO-8601 with microsecond
// precision: "2014-04-14T14:12:01.621543".
func ToISOExtendedString(t time.Time) string {
	return fmt.Sprintf("%s.%06d", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1000)
}

// ToVAXString formats t as a VAX-style timestamp, always exactly 23
// characters: "14-Apr-2014 14:12:01.62".
func ToVAXString(t time.Time) string {
	return fmt.Sprintf("%s.%02d", t.Format("02-Jan-2006 15:04:05"), t.Nanosecond()/10000000)
}

// ToCommonString formats t in a human "common" form with AM/PM:
// "14-Apr-2014 02:12:01 PM".
func ToCommonString(t time.Time) string {
	return t.Format("02-Jan-2006 03:04:05 PM")
}
