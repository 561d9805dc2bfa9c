package sutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormattingCompanions(t *testing.T) {
	instant := time.Date(2014, time.April, 14, 14, 12, 1, 621543000, time.UTC)

	assert.Equal(t, "2014-04-14T14:12:01.621543", ToISOExtendedString(instant))
	assert.Equal(t, "20140414T141201.621543", ToISOString(instant))

	vax := ToVAXString(instant)
	assert.Len(t, vax, 23)
	assert.Equal(t, "14-Apr-2014 14:12:01.62", vax)
}

func TestParseTimeEndianDisambiguation(t *testing.T) {
	a, err := ParseTime("02/29/2016 14:31:47", MiddleEndianFirst)
	require.NoError(t, err)
	assert.Equal(t, 2016, a.Year())
	assert.Equal(t, time.February, a.Month())
	assert.Equal(t, 29, a.Day())

	b, err := ParseTime("29/02/2016 14:31:47", LittleEndianFirst)
	require.NoError(t, err)
	assert.Equal(t, a.Year(), b.Year())
	assert.Equal(t, a.Month(), b.Month())
	assert.Equal(t, a.Day(), b.Day())
	assert.Equal(t, a.Hour(), b.Hour())

	_, err = ParseTime("02/29/2016", LittleEndianOnly)
	assert.Error(t, err)
}

func TestParseTimeLegacyYearWorkaround(t *testing.T) {
	got, err := ParseTime("2050-01-02 03:04:05", MiddleEndianFirst)
	require.NoError(t, err)
	assert.Equal(t, 2050, got.Year())
}
