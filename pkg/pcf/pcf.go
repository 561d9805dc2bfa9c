// Package pcf reads and writes PCF: a sequence of 256-byte,
// little-endian records whose first record is a header, followed by
// one preamble+channel-data block per Measurement, followed by a
// deviation-pair side table indexed by detector slot.
package pcf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gospec/pkg/dispatch"
	"gospec/pkg/spectrum"
)

var log = logrus.WithField("format", "pcf")

func init() {
	dispatch.Register(dispatch.FormatPCF, []string{".pcf"}, sniff, Read, Write)
}

// sniff reports whether the leading 256-byte header's first u16 is the
// PCF version this package knows how to read.
func sniff(peek []byte) bool {
	if len(peek) < 2 {
		return false
	}
	return binary.LittleEndian.Uint16(peek[0:2]) == pcfVersion
}

const (
	recordSize = 256

	pcfVersion = uint16(1)

	numPanels  = 4  // 'A'-'D'
	numColumns = 4  // 'a'-'d'
	numMCA     = 8  // '1'-'8'
	numSlots   = numPanels * numColumns * numMCA

	maxDevPairs = 20

	// devPairScale is the fixed-point scale applied to deviation-pair
	// energy/offset values in the "compressed" i16 table flavor.
	devPairScale = 64.0

	preambleFixedBytes = 4 + 1 + 1 + 2 + 2 + 8 + 4 + 4 + 4 + 4 + 4 + 8
	titleFieldBytes    = recordSize - preambleFixedBytes
)

// detectorSlot is a decoded <panel><column><mca>[N] detector name.
type detectorSlot struct {
	panel, column, mca int
	neutron            bool
}

func (s detectorSlot) index() int {
	return s.panel*numColumns*numMCA + s.column*numMCA + s.mca
}

func (s detectorSlot) name() string {
	n := string(rune('A'+s.panel)) + string(rune('a'+s.column)) + string(rune('1'+s.mca))
	if s.neutron {
		n += "N"
	}
	return n
}

// parseDetectorName decodes "<panel><column><mca>[N]": panel 'A'-'D',
// column 'a'-'d', mca '1'-'8', optional trailing 'N' for a neutron
// detector.
func parseDetectorName(name string) (detectorSlot, bool) {
	if len(name) < 3 {
		return detectorSlot{}, false
	}
	p, c, m := name[0], name[1], name[2]
	if p < 'A' || p > 'D' || c < 'a' || c > 'd' || m < '1' || m > '8' {
		return detectorSlot{}, false
	}
	slot := detectorSlot{panel: int(p - 'A'), column: int(c - 'a'), mca: int(m - '1')}
	if len(name) >= 4 && (name[3] == 'N' || name[3] == 'n') {
		slot.neutron = true
	}
	return slot, true
}

// updateDetectorNameFromTitle finds "Det=<name>" inside the title when
// the preamble name field is empty.
func updateDetectorNameFromTitle(title string) string {
	idx := strings.Index(title, "Det=")
	if idx < 0 {
		return ""
	}
	rest := title[idx+len("Det="):]
	end := strings.IndexAny(rest, " \t,;")
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

type header struct {
	version                uint16
	numMeasurements        uint16
	channelsPerRecord      uint16
	devPairsCompressed     bool
	firstMeasurementRecord uint16
	devPairsRecord         uint16
}

func parseHeader(rec []byte) (header, error) {
	if len(rec) < recordSize {
		return header{}, fmt.Errorf("%w: PCF header record short", spectrum.ErrTruncated)
	}
	var h header
	h.version = binary.LittleEndian.Uint16(rec[0:2])
	if h.version != pcfVersion {
		return header{}, fmt.Errorf("%w: PCF header version mismatch", spectrum.ErrFormatRejected)
	}
	h.numMeasurements = binary.LittleEndian.Uint16(rec[2:4])
	h.channelsPerRecord = binary.LittleEndian.Uint16(rec[4:6])
	h.devPairsCompressed = rec[6] != 0
	h.firstMeasurementRecord = binary.LittleEndian.Uint16(rec[8:10])
	h.devPairsRecord = binary.LittleEndian.Uint16(rec[10:12])
	return h, nil
}

func writeHeader(h header) []byte {
	rec := make([]byte, recordSize)
	binary.LittleEndian.PutUint16(rec[0:2], h.version)
	binary.LittleEndian.PutUint16(rec[2:4], h.numMeasurements)
	binary.LittleEndian.PutUint16(rec[4:6], h.channelsPerRecord)
	if h.devPairsCompressed {
		rec[6] = 1
	}
	binary.LittleEndian.PutUint16(rec[8:10], h.firstMeasurementRecord)
	binary.LittleEndian.PutUint16(rec[10:12], h.devPairsRecord)
	return rec
}

func recordAt(buf []byte, idx int) []byte {
	off := recordSize * idx
	if idx < 0 || off+recordSize > len(buf) {
		return nil
	}
	return buf[off : off+recordSize]
}

// Read parses a PCF stream into a SpecFile.
func Read(r io.Reader) (*spectrum.SpecFile, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spectrum.ErrTruncated, err)
	}
	if len(buf) < recordSize {
		return nil, fmt.Errorf("%w: PCF stream shorter than one record", spectrum.ErrFormatRejected)
	}

	h, err := parseHeader(buf[:recordSize])
	if err != nil {
		return nil, err
	}

	sf := spectrum.NewSpecFile()

	recIdx := int(h.firstMeasurementRecord)
	for i := 0; i < int(h.numMeasurements); i++ {
		preRec := recordAt(buf, recIdx)
		if preRec == nil {
			return nil, fmt.Errorf("%w: PCF measurement preamble record out of range", spectrum.ErrValueOutOfRange)
		}
		m, slot, hasSlot, numChannelRecords := parsePreamble(preRec)
		recIdx++

		if m.DetectorName == "" {
			if fromTitle := updateDetectorNameFromTitle(m.Title); fromTitle != "" {
				m.DetectorName = fromTitle
			}
		}

		if numChannelRecords > 0 {
			dataStart := recIdx
			dataRec := recordAt(buf, dataStart)
			if dataRec == nil {
				return nil, fmt.Errorf("%w: PCF channel data out of range", spectrum.ErrValueOutOfRange)
			}
			off := recordSize * dataStart
			need := len(m.GammaCounts) * 4
			if off+need > len(buf) {
				return nil, fmt.Errorf("%w: PCF channel data truncated", spectrum.ErrTruncated)
			}
			region := buf[off : off+need]
			for c := range m.GammaCounts {
				bits := binary.LittleEndian.Uint32(region[c*4:])
				m.GammaCounts[c] = float64(math.Float32frombits(bits))
			}
			recIdx += numChannelRecords
		}

		if devRec := recordAt(buf, int(h.devPairsRecord)+slot.index()); hasSlot && devRec != nil && m.devPairCount > 0 {
			pairs := readDevPairs(devRec, m.devPairCount, h.devPairsCompressed)
			cal := m.Calibration
			if cal != nil {
				recal, rerr := spectrum.NewPolynomialCalibration(cal.Coefficients(), pairs, cal.NumChannels())
				if rerr != nil {
					m.Measurement.Warnings = append(m.Measurement.Warnings, fmt.Sprintf("PCF deviation pairs rejected: %v", rerr))
					log.WithError(rerr).Debug("rejected PCF deviation pairs")
				} else {
					m.Measurement.Calibration = recal
				}
			}
		}

		sf.AddMeasurement(m.Measurement)
	}

	if err := sf.CleanupAfterLoad(); err != nil {
		return nil, err
	}
	return sf, nil
}

// parsedMeasurement bundles the field parsePreamble produces beyond
// the plain Measurement: that measurement's own deviation-pair count.
type parsedMeasurement struct {
	*spectrum.Measurement
	devPairCount int
}

func parsePreamble(rec []byte) (parsedMeasurement, detectorSlot, bool, int) {
	m := &spectrum.Measurement{}

	nameRaw := rec[0:4]
	tag := rec[4]
	numDevPairs := int(rec[5])
	// rec[6:8] reserved
	numChannels := int(binary.LittleEndian.Uint16(rec[8:10]))
	startUnix := math.Float64frombits(binary.LittleEndian.Uint64(rec[10:18]))
	liveTime := math.Float32frombits(binary.LittleEndian.Uint32(rec[18:22]))
	realTime := math.Float32frombits(binary.LittleEndian.Uint32(rec[22:26]))
	calA := math.Float32frombits(binary.LittleEndian.Uint32(rec[26:30]))
	calB := math.Float32frombits(binary.LittleEndian.Uint32(rec[30:34]))
	calC := math.Float32frombits(binary.LittleEndian.Uint32(rec[34:38]))
	neutronSum := math.Float64frombits(binary.LittleEndian.Uint64(rec[38:46]))
	title := cleanText(rec[preambleFixedBytes:])

	m.PCFTag = tag
	m.LiveTime = float64(liveTime)
	m.RealTime = float64(realTime)
	m.Title = title
	if startUnix != 0 {
		m.StartTime = time.Unix(0, 0).UTC().Add(time.Duration(startUnix * float64(time.Second)))
		m.HasStartTime = true
	}
	if neutronSum != 0 {
		m.ContainedNeutron = true
		m.NeutronCounts = []float64{neutronSum}
		m.NeutronCountsSum = neutronSum
	}

	var slot detectorSlot
	var hasSlot bool
	name := cleanText(nameRaw)
	if s, ok := parseDetectorName(name); ok {
		slot = s
		hasSlot = true
		m.DetectorName = s.name()
	}

	if calA != 0 || calB != 0 || calC != 0 {
		cal, err := spectrum.NewPolynomialCalibration([]float64{float64(calA), float64(calB), float64(calC)}, nil, numChannels)
		if err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("PCF calibration rejected: %v", err))
			log.WithError(err).Debug("rejected PCF calibration")
		} else {
			m.Calibration = cal
		}
	}

	m.GammaCounts = make([]float64, numChannels)
	numChannelRecords := (numChannels*4 + recordSize - 1) / recordSize

	return parsedMeasurement{Measurement: m, devPairCount: numDevPairs}, slot, hasSlot, numChannelRecords
}

func cleanText(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func readDevPairs(rec []byte, count int, compressed bool) []spectrum.DeviationPair {
	if count > maxDevPairs {
		count = maxDevPairs
	}
	pairs := make([]spectrum.DeviationPair, 0, count)
	if compressed {
		for i := 0; i < count; i++ {
			off := i * 4
			e := int16(binary.LittleEndian.Uint16(rec[off : off+2]))
			o := int16(binary.LittleEndian.Uint16(rec[off+2 : off+4]))
			pairs = append(pairs, spectrum.DeviationPair{
				Energy: float64(e) / devPairScale,
				Offset: float64(o) / devPairScale,
			})
		}
		return pairs
	}
	for i := 0; i < count; i++ {
		off := i * 8
		e := math.Float32frombits(binary.LittleEndian.Uint32(rec[off : off+4]))
		o := math.Float32frombits(binary.LittleEndian.Uint32(rec[off+4 : off+8]))
		pairs = append(pairs, spectrum.DeviationPair{Energy: float64(e), Offset: float64(o)})
	}
	return pairs
}

// Write serializes sf's Measurements as PCF: a fixed per-measurement
// channel count (the max over all measurements), deviation pairs
// serialized into whichever table flavor the detector-name set
// requires.
func Write(w io.Writer, sf *spectrum.SpecFile) error {
	measurements := sf.Measurements()
	if len(measurements) == 0 {
		return fmt.Errorf("%w: no measurements to write", spectrum.ErrWriteFailure)
	}

	maxChannels := 0
	compressed := false
	for _, m := range measurements {
		if len(m.GammaCounts) > maxChannels {
			maxChannels = len(m.GammaCounts)
		}
		if slot, ok := parseDetectorName(m.DetectorName); ok && slot.column >= 2 {
			// column >= 'c' (index 2) triggers the compression heuristic.
			compressed = true
		}
	}
	if maxChannels == 0 {
		return fmt.Errorf("%w: no measurement has channel data", spectrum.ErrWriteFailure)
	}

	h := header{
		version:                pcfVersion,
		numMeasurements:        uint16(len(measurements)),
		channelsPerRecord:      uint16(maxChannels),
		devPairsCompressed:     compressed,
		firstMeasurementRecord: 1,
	}

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	devTable := make([][]byte, numSlots)

	recIdx := 1
	headerPlaceholder := make([]byte, recordSize)
	bw.Write(headerPlaceholder) // patched below once devPairsRecord is known

	for _, m := range measurements {
		if len(m.GammaCounts) != maxChannels {
			return fmt.Errorf("%w: measurement channel count %d does not match declared %d", spectrum.ErrWriteFailure, len(m.GammaCounts), maxChannels)
		}

		slot, hasSlot := parseDetectorName(m.DetectorName)

		pre := make([]byte, recordSize)
		if hasSlot {
			name := slot.name()
			copy(pre[0:4], []byte(name))
		}
		pre[4] = m.PCFTag

		var devPairs []spectrum.DeviationPair
		if m.Calibration != nil {
			devPairs = m.Calibration.DeviationPairs()
		}
		if len(devPairs) > maxDevPairs {
			devPairs = devPairs[:maxDevPairs]
		}
		pre[5] = byte(len(devPairs))

		binary.LittleEndian.PutUint16(pre[8:10], uint16(len(m.GammaCounts)))

		var startUnix float64
		if m.HasStartTime {
			startUnix = float64(m.StartTime.UnixNano()) / float64(time.Second)
		}
		binary.LittleEndian.PutUint64(pre[10:18], math.Float64bits(startUnix))
		binary.LittleEndian.PutUint32(pre[18:22], math.Float32bits(float32(m.LiveTime)))
		binary.LittleEndian.PutUint32(pre[22:26], math.Float32bits(float32(m.RealTime)))

		var coeffs [3]float32
		if m.Calibration != nil {
			for i, v := range m.Calibration.Coefficients() {
				if i < 3 {
					coeffs[i] = float32(v)
				}
			}
		}
		binary.LittleEndian.PutUint32(pre[26:30], math.Float32bits(coeffs[0]))
		binary.LittleEndian.PutUint32(pre[30:34], math.Float32bits(coeffs[1]))
		binary.LittleEndian.PutUint32(pre[34:38], math.Float32bits(coeffs[2]))

		binary.LittleEndian.PutUint64(pre[38:46], math.Float64bits(m.NeutronCountsSum))

		titleBytes := []byte(m.Title)
		if len(titleBytes) > titleFieldBytes-1 {
			titleBytes = titleBytes[:titleFieldBytes-1]
		}
		copy(pre[preambleFixedBytes:], titleBytes)

		bw.Write(pre)
		recIdx++

		numChannelRecords := (len(m.GammaCounts)*4 + recordSize - 1) / recordSize
		chanBytes := make([]byte, numChannelRecords*recordSize)
		for i, v := range m.GammaCounts {
			binary.LittleEndian.PutUint32(chanBytes[i*4:], math.Float32bits(float32(v)))
		}
		bw.Write(chanBytes)
		recIdx += numChannelRecords

		if hasSlot && len(devPairs) > 0 {
			devTable[slot.index()] = encodeDevPairs(devPairs, compressed)
		}
	}

	h.devPairsRecord = uint16(recIdx)
	for i := 0; i < numSlots; i++ {
		rec := devTable[i]
		if rec == nil {
			rec = make([]byte, recordSize)
		}
		bw.Write(rec)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", spectrum.ErrWriteFailure, err)
	}

	out := buf.Bytes()
	copy(out[0:recordSize], writeHeader(h))

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("%w: %v", spectrum.ErrWriteFailure, err)
	}
	return nil
}

func encodeDevPairs(pairs []spectrum.DeviationPair, compressed bool) []byte {
	rec := make([]byte, recordSize)
	if compressed {
		for i, p := range pairs {
			off := i * 4
			binary.LittleEndian.PutUint16(rec[off:off+2], uint16(int16(math.Round(p.Energy*devPairScale))))
			binary.LittleEndian.PutUint16(rec[off+2:off+4], uint16(int16(math.Round(p.Offset*devPairScale))))
		}
		return rec
	}
	for i, p := range pairs {
		off := i * 8
		binary.LittleEndian.PutUint32(rec[off:off+4], math.Float32bits(float32(p.Energy)))
		binary.LittleEndian.PutUint32(rec[off+4:off+8], math.Float32bits(float32(p.Offset)))
	}
	return rec
}
