package urispec

import "fmt"

// maxExpandedChannels mirrors sutil's float64 variant cap, applied
// here to the integer channel-data path used internally by the URI
// pipeline (after StreamVByte decode, channel counts are plain uint32
// with no float epsilon concerns, so a dedicated strict-equality
// instantiation avoids float round-trip noise in the hot path).
const maxExpandedChannels = 131072

// compressCountedZerosU32 is the strict (== 0) uint32 analogue of
// sutil.CompressToCountedZeros.
func compressCountedZerosU32(v []uint32) []uint32 {
	out := make([]uint32, 0, len(v))
	i := 0
	for i < len(v) {
		if v[i] == 0 {
			run := 0
			for i < len(v) && v[i] == 0 {
				run++
				i++
			}
			out = append(out, 0, uint32(run))
			continue
		}
		out = append(out, v[i])
		i++
	}
	return out
}

// expandCountedZerosU32 inverts compressCountedZerosU32.
func expandCountedZerosU32(v []uint32) ([]uint32, error) {
	out := make([]uint32, 0, len(v))
	i := 0
	for i < len(v) {
		if v[i] == 0 {
			if i+1 >= len(v) {
				return nil, fmt.Errorf("urispec: counted-zero run missing count at end of input")
			}
			count := v[i+1]
			if count == 0 {
				return nil, fmt.Errorf("urispec: counted-zero run has non-positive count")
			}
			if len(out)+int(count) > maxExpandedChannels {
				return nil, fmt.Errorf("urispec: expanded counted-zero sequence exceeds %d samples", maxExpandedChannels)
			}
			for k := uint32(0); k < count; k++ {
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
