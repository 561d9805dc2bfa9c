package dispatch_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospec/pkg/dispatch"
	"gospec/pkg/spectrum"

	_ "gospec/pkg/binspc"
	_ "gospec/pkg/iaeaspe"
	_ "gospec/pkg/pcf"
)

const sampleSPE = "$SPEC_ID:\r\n" +
	"dispatch test\r\n" +
	"$MEAS_TIM:\r\n" +
	"1 1\r\n" +
	"$DATA:\r\n" +
	"0 2\r\n" +
	"1\r\n2\r\n3\r\n" +
	"$ENDRECORD:\r\n"

func TestLoadFileAutoDetectsIAEASPE(t *testing.T) {
	r := bytes.NewReader([]byte(sampleSPE))
	sf, format, err := dispatch.LoadFile(r, "sample.spe", dispatch.FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, dispatch.FormatIAEASPE, format)
	assert.Equal(t, 1, sf.NumMeasurements())
}

func TestLoadFileRewindsOnRejection(t *testing.T) {
	// A misleading ".spc" hint: the binary SPC reader is tried first,
	// rejects the text, and the stream must be rewound so the IAEA
	// reader still gets a clean shot.
	r := bytes.NewReader([]byte(sampleSPE))
	sf, format, err := dispatch.LoadFile(r, "sample.spc", dispatch.FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, dispatch.FormatIAEASPE, format)
	assert.Equal(t, 1, sf.NumMeasurements())
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	r := bytes.NewReader([]byte("this is not any registered spectrum format, just prose"))
	_, _, err := dispatch.LoadFile(r, "", dispatch.FormatUnknown)
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestLoadFileHonorsExplicitHint(t *testing.T) {
	r := bytes.NewReader([]byte(sampleSPE))
	_, _, err := dispatch.LoadFile(r, "", dispatch.FormatBinarySPC)
	require.Error(t, err)
	assert.ErrorIs(t, err, spectrum.ErrFormatRejected)
}

func TestLookupReturnsRegisteredWriter(t *testing.T) {
	write, ok := dispatch.Lookup(dispatch.FormatIAEASPE)
	require.True(t, ok)

	sf, _, err := dispatch.LoadFile(bytes.NewReader([]byte(sampleSPE)), "", dispatch.FormatUnknown)
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, write(&buf, sf))
	assert.Contains(t, buf.String(), "$ENDRECORD:")
}
