package iaeaspe

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospec/pkg/spectrum"
)

const sampleSPE = "$SPEC_ID:\r\n" +
	"Test spectrum\r\n" +
	"$DATE_MEA:\r\n" +
	"03/04/2020 05:06:07\r\n" +
	"$MEAS_TIM:\r\n" +
	"295.1 300.0\r\n" +
	"$DATA:\r\n" +
	"0 4\r\n" +
	"10\r\n" +
	"20\r\n" +
	"30\r\n" +
	"40\r\n" +
	"5\r\n" +
	"$ENER_FIT:\r\n" +
	"0.0 3.0\r\n" +
	"$NEUTRONS:\r\n" +
	"7\r\n" +
	"$ENDRECORD:\r\n"

func TestReadRejectsNonSPEInput(t *testing.T) {
	_, err := Read(strings.NewReader("not a spe file at all"))
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestReadParsesSampleRecord(t *testing.T) {
	sf, err := Read(strings.NewReader(sampleSPE))
	require.NoError(t, err)
	require.Equal(t, 1, sf.NumMeasurements())

	m := sf.Measurements()[0]
	assert.Equal(t, "Test spectrum", m.Title)
	assert.Equal(t, 295.1, m.LiveTime)
	assert.Equal(t, 300.0, m.RealTime)
	assert.Equal(t, []float64{10, 20, 30, 40, 5}, m.GammaCounts)
	assert.Equal(t, float64(105), m.GammaCountSum)
	require.NotNil(t, m.Calibration)
	assert.Equal(t, []float64{0, 3}, m.Calibration.Coefficients())
	assert.True(t, m.ContainedNeutron)
	assert.Equal(t, float64(7), m.NeutronCountsSum)
	require.True(t, m.HasStartTime)
	assert.Equal(t, 2020, m.StartTime.Year())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	sf, err := Read(strings.NewReader(sampleSPE))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sf))

	sf2, err := Read(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Equal(t, 1, sf2.NumMeasurements())

	m1 := sf.Measurements()[0]
	m2 := sf2.Measurements()[0]
	assert.Equal(t, m1.GammaCounts, m2.GammaCounts)
	assert.InDelta(t, m1.LiveTime, m2.LiveTime, 1e-5)
	assert.InDelta(t, m1.RealTime, m2.RealTime, 1e-5)
	assert.Equal(t, m1.Calibration.Coefficients(), m2.Calibration.Coefficients())
}

func TestMultiRecordFile(t *testing.T) {
	doc := sampleSPE + sampleSPE
	sf, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, sf.NumMeasurements())
}

func TestNeutronCPSMultipliedByRealTime(t *testing.T) {
	doc := "$SPEC_ID:\r\n" +
		"cps test\r\n" +
		"$MEAS_TIM:\r\n" +
		"10 20\r\n" +
		"$DATA:\r\n" +
		"0 1\r\n" +
		"1\r\n" +
		"2\r\n" +
		"$NEUTRON_CPS:\r\n" +
		"2.5\r\n" +
		"$ENDRECORD:\r\n"
	sf, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	m := sf.Measurements()[0]
	assert.Equal(t, float64(50), m.NeutronCountsSum)
}
