package sutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountedZeroRoundTrip(t *testing.T) {
	v := []float64{1, 2, 0, 0, 0, 3, 0, 4}
	compressed := CompressToCountedZeros(v)
	expanded, err := ExpandCountedZeros(compressed)
	require.NoError(t, err)
	assert.Equal(t, v, expanded)
}

func TestExpandCountedZerosRejectsOversize(t *testing.T) {
	_, err := ExpandCountedZeros([]float64{0, 200000})
	assert.Error(t, err)
}

func TestExpandCountedZerosRejectsNonPositiveCount(t *testing.T) {
	_, err := ExpandCountedZeros([]float64{0, 0})
	assert.Error(t, err)
}

func TestLineReaderScenario(t *testing.T) {
	lr := NewLineReader(strings.NewReader("1 Hello\r\na\n"))
	l1, err := lr.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "1 Hello", l1)

	l2, err := lr.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "a", l2)

	l3, err := lr.ReadLine(0)
	assert.Error(t, err)
	assert.Equal(t, "", l3)
}

func TestLineReaderTruncation(t *testing.T) {
	lr := NewLineReader(strings.NewReader("1 Hello"))
	l1, err := lr.ReadLine(3)
	require.NoError(t, err)
	assert.Equal(t, "1 H", l1)

	l2, err := lr.ReadLine(3)
	require.NoError(t, err)
	assert.Equal(t, "ell", l2)

	l3, err := lr.ReadLine(3)
	require.NoError(t, err)
	assert.Equal(t, "o", l3)
}
