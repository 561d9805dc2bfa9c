package urispec

import "time"

// EncodeOptions is the bitmask carried in every raddata:// URI's
// <OPT> field.
type EncodeOptions uint8

const (
	NoDeflate            EncodeOptions = 1 << 0
	NoBaseXEncoding       EncodeOptions = 1 << 1
	CsvChannelData        EncodeOptions = 1 << 2
	NoZeroCompressCounts  EncodeOptions = 1 << 3
	UseUrlSafeBase64      EncodeOptions = 1 << 4
	AsMailToUri           EncodeOptions = 1 << 5 // historically mis-written; ignored on decode

	// knownOptionBits is every bit this implementation recognizes;
	// any other bit set is a decode error.
	knownOptionBits = NoDeflate | NoBaseXEncoding | CsvChannelData | NoZeroCompressCounts | UseUrlSafeBase64 | AsMailToUri
)

// ItemType is the single-letter "I:" field naming what kind of
// spectrum item a payload carries.
type ItemType byte

const (
	ItemForeground    ItemType = 'I'
	ItemCalibration   ItemType = 'C'
	ItemBackground    ItemType = 'B'
	ItemIntrinsic     ItemType = 'F'
)

// UrlSpectrum is the flat record the URI codec maps to/from a
// Measurement.
type UrlSpectrum struct {
	Item ItemType

	EnergyCalCoeffs []float64
	DeviationPairsFlat []float64 // flattened (energy, offset, energy, offset, ...)

	Model string
	Title string

	HasStartTime bool
	StartTime    time.Time // no fractional seconds carried in the wire form

	HasGPS    bool
	Latitude  float64
	Longitude float64

	// NeutronSum is -1 when absent.
	NeutronSum int

	LiveTime float64
	RealTime float64

	// Channels are the per-channel counts, non-negative, rounded to
	// the nearest integer and carried as u32 on the wire.
	Channels []uint32
}

// EncodedSpectraInfo is the intermediate representation of a parsed
// URI header.
type EncodedSpectraInfo struct {
	Options      EncodeOptions
	NumURLs      int
	ThisURLIndex int
	NumSpectra   int
	CRC16        uint16 // only meaningful when NumURLs > 1
	OriginalURL  string
	RawPayload   []byte // pre-decoded (post percent/base-X/deflate) payload
	DecodedPayload []byte
}
