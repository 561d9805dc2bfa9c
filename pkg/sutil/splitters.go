package sutil

import (
	"strconv"
	"strings"
)

// SplitFloatsOptions selects between float splitting behaviors -- with
// and without the "Cambio zero-compress fix" -- in one function with an
// options struct. Input is always a length-delimited Go string; there
// is no null-terminated variant.
type SplitFloatsOptions struct {
	// CambioZeroFix, when set, substitutes FLT_MIN (float32's smallest
	// positive normal value) for a literal "0.000" token (but not a bare "0"), matching
	// the Cambio zero-compress convention some spectrum exports use.
	CambioZeroFix bool
}

// SplitFloats splits s on any run of whitespace and/or commas into
// float64 values.
func SplitFloats(s string, opts SplitFloatsOptions) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == '\n' || r == '\r'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		if opts.CambioZeroFix && f == "0.000" {
			out = append(out, zeroEpsilon/10) // FLT_MIN
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SplitInts splits s on any run of whitespace and/or commas into
// int64 values, grounded on the original's split_to_long_longs.
func SplitInts(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == '\n' || r == '\r'
	})
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
