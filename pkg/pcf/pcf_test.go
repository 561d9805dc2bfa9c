package pcf

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospec/pkg/spectrum"
	"gospec/pkg/sutil"
)

func buildDevPairs(scale float64) []spectrum.DeviationPair {
	pairs := make([]spectrum.DeviationPair, maxDevPairs)
	for i := range pairs {
		pairs[i] = spectrum.DeviationPair{
			Energy: float64(i) * scale,
			Offset: float64(i%5) - 2,
		}
	}
	return pairs
}

func TestPCFRoundTrip(t *testing.T) {
	names := []string{"Ba1", "Aa2", "Bc3", "Cb4"}
	tags := []byte{'T', 'K', '-', '<'}
	neutrons := []float64{100, 101, 102, 103}
	start := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

	sf := spectrum.NewSpecFile()
	for i, name := range names {
		coeffs := []float64{0, float64(i+1) * 3, 0.0005 * float64(i+1)}
		cal, err := spectrum.NewPolynomialCalibration(coeffs, buildDevPairs(10), 128)
		require.NoError(t, err)

		counts := make([]float64, 128)
		for c := range counts {
			counts[c] = float64(c + i)
		}

		m := &spectrum.Measurement{
			GammaCounts:      counts,
			LiveTime:         10 + float64(i),
			RealTime:         12 + float64(i),
			Calibration:      cal,
			HasStartTime:     true,
			StartTime:        start.Add(time.Duration(i) * time.Minute),
			DetectorName:     name,
			PCFTag:           tags[i],
			Title:            fmt.Sprintf("measurement %d", i),
			ContainedNeutron: true,
			NeutronCounts:    []float64{neutrons[i]},
			NeutronCountsSum: neutrons[i],
		}
		sf.AddMeasurement(m)
	}
	require.NoError(t, sf.CleanupAfterLoad())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sf))

	got, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 4, got.NumMeasurements())

	for i, want := range sf.Measurements() {
		gm := got.Measurements()[i]
		assert.Equal(t, want.Title, gm.Title)
		assert.Equal(t, want.PCFTag, gm.PCFTag)
		assert.Equal(t, want.DetectorName, gm.DetectorName)

		wantSlot, ok := parseDetectorName(want.DetectorName)
		require.True(t, ok)
		gotSlot, ok := parseDetectorName(gm.DetectorName)
		require.True(t, ok)
		assert.Equal(t, wantSlot, gotSlot)

		assert.Equal(t, sutil.ToVAXString(want.StartTime), sutil.ToVAXString(gm.StartTime))
		assert.Equal(t, want.GammaCounts, gm.GammaCounts)
		assert.InDelta(t, want.LiveTime, gm.LiveTime, 1e-3)
		assert.InDelta(t, want.RealTime, gm.RealTime, 1e-3)
		assert.Equal(t, want.NeutronCountsSum, gm.NeutronCountsSum)

		require.NotNil(t, gm.Calibration)
		require.Len(t, gm.Calibration.DeviationPairs(), maxDevPairs)
		for j, p := range want.Calibration.DeviationPairs() {
			assert.InDelta(t, p.Energy, gm.Calibration.DeviationPairs()[j].Energy, 1e-6)
			assert.InDelta(t, p.Offset, gm.Calibration.DeviationPairs()[j].Offset, 1e-6)
		}
	}
}

func TestDeviationPairCompressionHeuristic(t *testing.T) {
	// "Bc3" decodes to column index 2 ('c'), the column that selects the
	// compressed i16 table flavor for the whole file; "Aa2" decodes to a
	// column below it.
	slot, ok := parseDetectorName("Bc3")
	require.True(t, ok)
	assert.Equal(t, 2, slot.column)

	slot2, ok := parseDetectorName("Aa2")
	require.True(t, ok)
	assert.Less(t, slot2.column, 2)
}

func TestUpdateDetectorNameFromTitle(t *testing.T) {
	name := updateDetectorNameFromTitle("background run Det=Aa1 collected at noon")
	assert.Equal(t, "Aa1", name)

	assert.Equal(t, "", updateDetectorNameFromTitle("no detector marker here"))
}

func TestReadRejectsBadVersion(t *testing.T) {
	buf := make([]byte, recordSize*2)
	buf[0] = 0xFF
	buf[1] = 0xFF
	_, err := Read(bytes.NewReader(buf))
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestWriteRejectsEmptySpecFile(t *testing.T) {
	sf := spectrum.NewSpecFile()
	var buf bytes.Buffer
	err := Write(&buf, sf)
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrWriteFailure)
}

func TestWriteRejectsMismatchedChannelCounts(t *testing.T) {
	sf := spectrum.NewSpecFile()
	sf.AddMeasurement(&spectrum.Measurement{GammaCounts: make([]float64, 64), DetectorName: "Aa1"})
	sf.AddMeasurement(&spectrum.Measurement{GammaCounts: make([]float64, 32), DetectorName: "Aa2"})
	var buf bytes.Buffer
	err := Write(&buf, sf)
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrWriteFailure)
}
