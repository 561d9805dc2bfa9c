package binspc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospec/pkg/spectrum"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	cal, err := spectrum.NewPolynomialCalibration([]float64{0, 3, 0.001}, nil, 64)
	require.NoError(t, err)

	m := &spectrum.Measurement{
		GammaCounts:  make([]float64, 64),
		LiveTime:     10,
		RealTime:     12,
		Calibration:  cal,
		HasStartTime: true,
		StartTime:    time.Date(2021, 6, 15, 8, 30, 0, 0, time.UTC),
	}
	for i := range m.GammaCounts {
		m.GammaCounts[i] = float64(i * 2)
	}

	sf := spectrum.NewSpecFile()
	sf.AddMeasurement(m)
	require.NoError(t, sf.CleanupAfterLoad())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sf))

	got, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 1, got.NumMeasurements())

	gm := got.Measurements()[0]
	assert.Equal(t, m.GammaCounts, gm.GammaCounts)
	assert.InDelta(t, m.LiveTime, gm.LiveTime, 1e-3)
	assert.InDelta(t, m.RealTime, gm.RealTime, 1e-3)
	require.NotNil(t, gm.Calibration)
	require.Len(t, gm.Calibration.Coefficients(), 3)
	assert.InDelta(t, 0, gm.Calibration.Coefficients()[0], 1e-4)
	assert.InDelta(t, 3, gm.Calibration.Coefficients()[1], 1e-4)
	require.True(t, gm.HasStartTime)
	assert.Equal(t, m.StartTime.Year(), gm.StartTime.Year())
	assert.Equal(t, m.StartTime.Month(), gm.StartTime.Month())
	assert.Equal(t, m.StartTime.Day(), gm.StartTime.Day())
}

func TestReadRejectsNonSPCInput(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("this is not an spc file, it is way too short")))
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestReadRejectsWrongFirstByte(t *testing.T) {
	buf := make([]byte, recordSize*2)
	buf[0] = 0x02
	_, err := Read(bytes.NewReader(buf))
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestWriteRejectsEmptyMeasurement(t *testing.T) {
	sf := spectrum.NewSpecFile()
	sf.AddMeasurement(&spectrum.Measurement{})
	var buf bytes.Buffer
	err := Write(&buf, sf)
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrWriteFailure)
}
