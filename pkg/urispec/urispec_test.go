package urispec

import (
	"testing"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase45RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0},
		{1, 2, 3},
		[]byte("Hello, World!"),
		{0xFF, 0xFE, 0xFD, 0x00, 0x01},
	}
	for _, b := range cases {
		enc := Base45Encode(b)
		dec, err := Base45Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestBase45KnownVector(t *testing.T) {
	// RFC 9285 example: "AB" -> "BB8"
	assert.Equal(t, "BB8", Base45Encode([]byte("AB")))
	dec, err := Base45Decode("BB8")
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), dec)
}

func TestBase64URLRoundTrip(t *testing.T) {
	for _, padded := range []bool{true, false} {
		for _, b := range [][]byte{nil, {1}, {1, 2}, []byte("hello world")} {
			enc := Base64URLEncode(b, padded)
			dec, err := Base64URLDecode(enc)
			require.NoError(t, err)
			assert.Equal(t, b, dec)
		}
	}
}

func TestStreamVByteRoundTrip(t *testing.T) {
	v := []uint32{0, 1, 255, 256, 65535, 65536, 1 << 24, 1<<32 - 1}
	enc, err := StreamVByteEncode(v)
	require.NoError(t, err)
	dec, err := StreamVByteDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, v, dec)
}

func TestStreamVByteRejectsOversizeCount(t *testing.T) {
	v := make([]uint32, 65536)
	_, err := StreamVByteEncode(v)
	assert.Error(t, err)
}

func TestCRC16ARCTestVector(t *testing.T) {
	assert.Equal(t, uint16(0xBB3D), CRC16ARC([]byte("123456789")))
}

func TestDeflateRoundTrip(t *testing.T) {
	b := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")
	enc, err := DeflateCompress(b)
	require.NoError(t, err)
	dec, err := DeflateDecompress(enc)
	require.NoError(t, err)
	assert.Equal(t, b, dec)
}

func TestPercentEncodeRoundTrip(t *testing.T) {
	s := "hello world & friends; = ? # [test]"
	for _, mailto := range []bool{true, false} {
		enc := PercentEncode(s, mailto)
		dec, err := PercentDecode(enc)
		require.NoError(t, err)
		assert.Equal(t, s, dec)
	}
}

func TestEncodeDecodeSingleSpectrum(t *testing.T) {
	u := UrlSpectrum{
		Item:            ItemForeground,
		EnergyCalCoeffs: []float64{0, 3},
		LiveTime:        295.1,
		RealTime:        300.0,
		NeutronSum:      5,
		Title:           "User entered Notes",
		Channels:        make([]uint32, 128),
	}
	for i := range u.Channels {
		u.Channels[i] = uint32(i)
	}

	urls, err := EncodeSpectraToURL([]UrlSpectrum{u}, 0, 1)
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Regexp(t, `^RADDATA://G0/000/`, urls[0])

	got, err := DecodeURLToSpectra(urls)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, u.EnergyCalCoeffs, got[0].EnergyCalCoeffs)
	assert.Equal(t, u.LiveTime, got[0].LiveTime)
	assert.Equal(t, u.RealTime, got[0].RealTime)
	assert.Equal(t, u.NeutronSum, got[0].NeutronSum)
	assert.Equal(t, u.Title, got[0].Title)
	assert.Equal(t, u.Channels, got[0].Channels)
}

func TestEncodeDecodeMultiPartCRC(t *testing.T) {
	u := UrlSpectrum{
		Item:            ItemForeground,
		EnergyCalCoeffs: []float64{0, 3},
		LiveTime:        295.1,
		RealTime:        300.0,
		NeutronSum:      5,
		Channels:        make([]uint32, 300),
	}
	for i := range u.Channels {
		u.Channels[i] = uint32(i % 7)
	}

	urls, err := EncodeSpectraToURL([]UrlSpectrum{u}, 0, 3)
	require.NoError(t, err)
	require.Len(t, urls, 3)
	for _, url := range urls {
		assert.Regexp(t, `^RADDATA://G0/02`, url)
	}

	got, err := DecodeURLToSpectra(urls)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, u.Channels, got[0].Channels)

	// Decoding in a permuted order yields the same result.
	permuted := []string{urls[2], urls[0], urls[1]}
	got2, err := DecodeURLToSpectra(permuted)
	require.NoError(t, err)
	assert.Equal(t, got[0].Channels, got2[0].Channels)
}

func TestEncodeDecodeWithStartTimeAndGPS(t *testing.T) {
	u := UrlSpectrum{
		Item:         ItemForeground,
		HasStartTime: true,
		StartTime:    time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC),
		HasGPS:       true,
		Latitude:     37.5,
		Longitude:    -122.25,
		NeutronSum:   -1,
		Channels:     []uint32{10, 20, 30},
	}
	urls, err := EncodeSpectraToURL([]UrlSpectrum{u}, 0, 1)
	require.NoError(t, err)
	got, err := DecodeURLToSpectra(urls)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].HasStartTime)
	assert.Equal(t, u.StartTime, got[0].StartTime)
	assert.True(t, got[0].HasGPS)
	assert.InDelta(t, u.Latitude, got[0].Latitude, 1e-9)
	assert.InDelta(t, u.Longitude, got[0].Longitude, 1e-9)
}

func TestMultiSpectrumEncodeDecode(t *testing.T) {
	a := UrlSpectrum{Item: ItemForeground, EnergyCalCoeffs: []float64{0, 3}, NeutronSum: -1, Channels: []uint32{1, 2, 3}}
	b := UrlSpectrum{Item: ItemBackground, NeutronSum: -1, Channels: []uint32{4, 5, 6}}

	urls, err := EncodeSpectraToURL([]UrlSpectrum{a, b}, 0, 1)
	require.NoError(t, err)
	require.Len(t, urls, 1)

	got, err := DecodeURLToSpectra(urls)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.Channels, got[0].Channels)
	assert.Equal(t, b.Channels, got[1].Channels)
	// Second spectrum inherits calibration from the first since it
	// declared none of its own.
	assert.Equal(t, a.EnergyCalCoeffs, got[1].EnergyCalCoeffs)
}

func TestRejectsUnknownOptionBit(t *testing.T) {
	// Two-digit options 0x40: a bit outside every known option.
	_, err := DecodeURLToSpectra([]string{"RADDATA://G0/4000/AAAA"})
	assert.ErrorIs(t, err, errBadOptionBit)
}

// TestEncodedURLFitsSingleQRCode exercises the URI codec against its
// actual purpose: the encoded raddata:// URL must fit in one scannable
// QR code. A single 128-channel spectrum is the
// common case this library must support without multi-part
// fragmentation; skip2/go-qrcode's encoder itself enforces QR's
// capacity limits and errors out if the payload doesn't fit any
// version, so a successful Encode is the capacity check.
func TestEncodedURLFitsSingleQRCode(t *testing.T) {
	u := UrlSpectrum{
		Item:            ItemForeground,
		EnergyCalCoeffs: []float64{0, 3, 0.001},
		LiveTime:        295.1,
		RealTime:        300.0,
		NeutronSum:      5,
		Title:           "User entered Notes",
		Channels:        make([]uint32, 128),
	}
	for i := range u.Channels {
		u.Channels[i] = uint32(i % 50)
	}

	urls, err := EncodeSpectraToURL([]UrlSpectrum{u}, 0, 1)
	require.NoError(t, err)
	require.Len(t, urls, 1)

	qr, err := qrcode.New(urls[0], qrcode.Low)
	require.NoError(t, err, "encoded URL must fit within QR code capacity")

	png, err := qr.PNG(256)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}
