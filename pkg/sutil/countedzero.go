package sutil

import (
	"fmt"
	"math"
)

// zeroEpsilon is the "10*FLT_MIN" threshold for treating a channel
// value as zero when compressing or expanding runs of zeros.
const zeroEpsilon = 10 * 0x1p-126 // 10 * FLT_MIN, float32's smallest positive normal value

// maxExpandedSamples bounds the size of an expanded sequence.
const maxExpandedSamples = 131072

func isZeroChannel(v float64) bool {
	return math.Abs(v) < zeroEpsilon
}

// CompressToCountedZeros returns v unchanged except that every run of
// channels numerically equal to zero is replaced by a single 0.0
// followed by the run length (as a float).
func CompressToCountedZeros(v []float64) []float64 {
	out := make([]float64, 0, len(v))
	i := 0
	for i < len(v) {
		if isZeroChannel(v[i]) {
			run := 0
			for i < len(v) && isZeroChannel(v[i]) {
				run++
				i++
			}
			out = append(out, 0, float64(run))
			continue
		}
		out = append(out, v[i])
		i++
	}
	return out
}

// ExpandCountedZeros inverts CompressToCountedZeros. It rejects
// expansions larger than 131072 total samples and rejects a zero
// followed by a non-positive count.
func ExpandCountedZeros(v []float64) ([]float64, error) {
	out := make([]float64, 0, len(v))
	i := 0
	for i < len(v) {
		if isZeroChannel(v[i]) {
			if i+1 >= len(v) {
				return nil, fmt.Errorf("sutil: counted-zero run missing count at end of input")
			}
			count := v[i+1]
			if count <= 0 {
				return nil, fmt.Errorf("sutil: counted-zero run has non-positive count %v", count)
			}
			n := int(count)
			if len(out)+n > maxExpandedSamples {
				return nil, fmt.Errorf("sutil: expanded counted-zero sequence exceeds %d samples", maxExpandedSamples)
			}
			for k := 0; k < n; k++ {
				out = append(out, 0)
			}
			i += 2
			continue
		}
		out = append(out, v[i])
		i++
	}
	return out, nil
}
