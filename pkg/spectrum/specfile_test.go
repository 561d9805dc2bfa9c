package spectrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupAfterLoadFillsLiveRealTime(t *testing.T) {
	sf := NewSpecFile()
	m := &Measurement{GammaCounts: []float64{1, 2, 3}, RealTime: 10}
	sf.AddMeasurement(m)
	require.NoError(t, sf.CleanupAfterLoad())

	got := sf.Measurements()[0]
	assert.Equal(t, 10.0, got.LiveTime)
	assert.Equal(t, 6.0, got.GammaCountSum)
	assert.NotEmpty(t, got.Warnings)
}

func TestCleanupAfterLoadAggregatesTotals(t *testing.T) {
	sf := NewSpecFile()
	sf.AddMeasurement(&Measurement{GammaCounts: []float64{1, 1}, RealTime: 1, LiveTime: 1, DetectorName: "Aa1"})
	sf.AddMeasurement(&Measurement{GammaCounts: []float64{2, 2}, RealTime: 1, LiveTime: 1, DetectorName: "Aa1"})
	require.NoError(t, sf.CleanupAfterLoad())

	assert.Equal(t, 6.0, sf.GammaCountSum())
	ms := sf.Measurements()
	assert.NotEqual(t, ms[0].SampleNumber, ms[1].SampleNumber)
}

func TestCleanupAfterLoadClearsInvalidGPS(t *testing.T) {
	sf := NewSpecFile()
	sf.AddMeasurement(&Measurement{GammaCounts: []float64{1}, RealTime: 1, LiveTime: 1,
		HasGPS: true, GPS: GPSCoordinate{Latitude: 200, Longitude: 0}})
	require.NoError(t, sf.CleanupAfterLoad())

	got := sf.Measurements()[0]
	assert.False(t, got.HasGPS)
}

func TestSumMeasurementsRequiresSharedCalibration(t *testing.T) {
	sf := NewSpecFile()
	cal1, err := NewPolynomialCalibration([]float64{0, 1}, nil, 2)
	require.NoError(t, err)
	cal2, err := NewPolynomialCalibration([]float64{0, 2}, nil, 2)
	require.NoError(t, err)

	sf.AddMeasurement(&Measurement{GammaCounts: []float64{1, 2}, Calibration: cal1, LiveTime: 1, RealTime: 1})
	sf.AddMeasurement(&Measurement{GammaCounts: []float64{3, 4}, Calibration: cal2, LiveTime: 1, RealTime: 1})

	_, err = sf.SumMeasurements(nil, nil)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSumMeasurementsChannelwiseSum(t *testing.T) {
	sf := NewSpecFile()
	cal, err := NewPolynomialCalibration([]float64{0, 1}, nil, 2)
	require.NoError(t, err)

	sf.AddMeasurement(&Measurement{GammaCounts: []float64{1, 2}, Calibration: cal, LiveTime: 1, RealTime: 1})
	sf.AddMeasurement(&Measurement{GammaCounts: []float64{3, 4}, Calibration: cal, LiveTime: 2, RealTime: 2})

	sum, err := sf.SumMeasurements(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, sum.GammaCounts)
	assert.Equal(t, 3.0, sum.LiveTime)
	assert.Equal(t, 10.0, sum.GammaCountSum)
}

func TestPolynomialCalibrationValidation(t *testing.T) {
	_, err := NewPolynomialCalibration([]float64{0}, nil, 100)
	assert.ErrorIs(t, err, ErrValueOutOfRange)

	cal, err := NewPolynomialCalibration([]float64{0, 3}, nil, 1024)
	require.NoError(t, err)
	assert.Equal(t, 3.0, ChannelToEnergy(1, cal))
	assert.Equal(t, 0.0, ChannelToEnergy(0, cal))
}

func TestDeviationPairInterpolation(t *testing.T) {
	cal, err := NewPolynomialCalibration([]float64{0, 1}, []DeviationPair{
		{Energy: 0, Offset: 0},
		{Energy: 100, Offset: 10},
	}, 1000)
	require.NoError(t, err)
	got := ChannelToEnergy(50, cal)
	assert.InDelta(t, 55.0, got, 1e-6)
}
