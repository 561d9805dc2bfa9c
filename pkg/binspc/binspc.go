// Package binspc reads and writes binary SPC: a sequence of 128-byte,
// little-endian records whose first record is a header of record
// pointers into the rest of the file.
package binspc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gospec/pkg/dispatch"
	"gospec/pkg/spectrum"
)

var log = logrus.WithField("format", "binary-spc")

const recordSize = 128

func init() {
	dispatch.Register(dispatch.FormatBinarySPC, []string{".spc"}, sniff, Read, Write)
}

// sniff reports whether the leading byte looks like binary SPC: 0x01.
func sniff(peek []byte) bool {
	return len(peek) > 0 && peek[0] == 1
}

// cursor is a small forward-only byte-slice reader for a single fixed
// record: slice the front off, little-endian decode, advance.
type cursor struct {
	b []byte
}

func (c *cursor) i16() int16 {
	v := int16(binary.LittleEndian.Uint16(c.b))
	c.b = c.b[2:]
	return v
}

func (c *cursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.b)
	c.b = c.b[2:]
	return v
}

func (c *cursor) i32() int32 {
	v := int32(binary.LittleEndian.Uint32(c.b))
	c.b = c.b[4:]
	return v
}

func (c *cursor) f32() float32 {
	v := math.Float32frombits(binary.LittleEndian.Uint32(c.b))
	c.b = c.b[4:]
	return v
}

func (c *cursor) f64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(c.b))
	c.b = c.b[8:]
	return v
}

func (c *cursor) skip(n int) { c.b = c.b[n:] }

// header is the record-0 layout, limited to the pointer and scalar
// fields this package cares about (the full Ortec format reserves many
// more words; those are preserved as padding on write but not modeled
// by name, since nothing downstream of this package reads them).
type header struct {
	infType         int16
	filType         int16 // 1 = integer channel data, 5 = float
	acqInfoPtr      int16
	sampleDescPtr   int16
	detDescPtr      int16
	calDescPtr      int16
	calRec1Ptr      int16
	calRec2Ptr      int16
	effPairsPtr     int16
	roiRec1Ptr      int16
	energyPairsPtr  int16
	spectrumPtr     int16
	spectrumRecords int16
	numChannels     uint16
	startChannel    int16
	acqTimeDecDay   float32
	acqTimeDecDay8  float64
	chanStart       int16
	realTime        float32
	liveTime        float32
	expansionHdrPtr int16
}

func parseHeader(rec []byte) (header, error) {
	if len(rec) < recordSize {
		return header{}, fmt.Errorf("%w: SPC header record short", spectrum.ErrTruncated)
	}
	c := &cursor{b: rec}
	var h header
	h.infType = c.i16()
	h.filType = c.i16()
	if h.infType != 1 {
		return header{}, fmt.Errorf("%w: SPC wINFTYP must be 1", spectrum.ErrFormatRejected)
	}
	if h.filType != 1 && h.filType != 5 {
		return header{}, fmt.Errorf("%w: SPC wFILTYP must be 1 or 5", spectrum.ErrFormatRejected)
	}
	c.skip(2 * 2) // wSkip1
	h.acqInfoPtr = c.i16()
	h.sampleDescPtr = c.i16()
	h.detDescPtr = c.i16()
	c.skip(2 * 9) // wSKIP2
	h.calDescPtr = c.i16()
	h.calRec1Ptr = c.i16()
	h.calRec2Ptr = c.i16()
	h.effPairsPtr = c.i16()
	h.roiRec1Ptr = c.i16()
	h.energyPairsPtr = c.i16()
	c.skip(2) // wEPN
	c.skip(2 * 6) // wSkip3
	c.skip(2) // wEFFPNM
	h.spectrumPtr = c.i16()
	h.spectrumRecords = c.i16()
	h.numChannels = c.u16()
	h.startChannel = c.i16()
	h.acqTimeDecDay = c.f32()
	h.acqTimeDecDay8 = c.f64()
	c.skip(2 * 4) // wSkip4
	h.chanStart = c.i16()
	h.realTime = c.f32()
	h.liveTime = c.f32()
	c.skip(2) // wSkip50
	c.skip(2) // framRecords
	c.skip(2) // TRIFID
	c.skip(2) // NaI
	c.skip(2) // Location
	c.skip(2) // MCSdata
	h.expansionHdrPtr = c.i16()
	return h, nil
}

// recordAt returns the 1-based record number p's bytes from the whole
// file buffer, or nil if p is zero (absent).
func recordAt(buf []byte, p int16) []byte {
	if p <= 0 {
		return nil
	}
	off := recordSize * (int(p) - 1)
	if off+recordSize > len(buf) {
		return nil
	}
	return buf[off : off+recordSize]
}

// Read parses a binary SPC stream into a SpecFile holding one
// Measurement.
func Read(r io.Reader) (*spectrum.SpecFile, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spectrum.ErrTruncated, err)
	}
	if len(buf) < recordSize {
		return nil, fmt.Errorf("%w: SPC stream shorter than one record", spectrum.ErrFormatRejected)
	}
	if buf[0] != 1 {
		return nil, fmt.Errorf("%w: SPC stream must start with byte 0x01", spectrum.ErrFormatRejected)
	}

	h, err := parseHeader(buf[:recordSize])
	if err != nil {
		return nil, err
	}

	// Validate every non-zero pointer lies within the file.
	for _, p := range []int16{h.acqInfoPtr, h.sampleDescPtr, h.detDescPtr, h.calRec1Ptr, h.calRec2Ptr,
		h.roiRec1Ptr, h.energyPairsPtr, h.spectrumPtr, h.expansionHdrPtr} {
		if p != 0 && recordAt(buf, p) == nil {
			return nil, fmt.Errorf("%w: SPC record pointer %d out of range", spectrum.ErrValueOutOfRange, p)
		}
	}

	m := &spectrum.Measurement{
		RealTime: float64(h.realTime),
		LiveTime: float64(h.liveTime),
	}

	if t, ok := decDayToTime(h.acqTimeDecDay8, h.acqTimeDecDay); ok {
		m.StartTime = t
		m.HasStartTime = true
	}

	if calRec := recordAt(buf, h.calRec1Ptr); calRec != nil {
		a, b, cc := parseCalibrationRecord(calRec)
		if a != 0 || b != 0 || cc != 0 {
			cal, cerr := spectrum.NewPolynomialCalibration([]float64{a, b, cc}, nil, int(h.numChannels))
			if cerr != nil {
				m.Warnings = append(m.Warnings, fmt.Sprintf("SPC calibration rejected: %v", cerr))
				log.WithError(cerr).Debug("rejected SPC calibration")
			} else {
				m.Calibration = cal
			}
		}
	}

	if detRec := recordAt(buf, h.detDescPtr); detRec != nil {
		m.DetectorDescription = cleanText(detRec)
		if serial := extractSerialNumber(m.DetectorDescription); serial != "" {
			m.DetectorName = serial
		}
	}

	var analysis *spectrum.DetectorAnalysis
	if expRec := recordAt(buf, h.expansionHdrPtr); expRec != nil {
		firstReportPtr := int16(binary.LittleEndian.Uint16(expRec[0:2]))
		if reportRec := recordAt(buf, firstReportPtr); reportRec != nil {
			reportText := readMultiRecordText(buf, firstReportPtr)
			neutronSum, neutronTime, found := parseIDReport(reportText)
			if neutronSum > 0 {
				m.ContainedNeutron = true
				m.NeutronCounts = []float64{neutronSum}
				m.NeutronCountsSum = neutronSum
				_ = neutronTime
			}
			if len(found) > 0 {
				analysis = &spectrum.DetectorAnalysis{Results: found}
			}
		}
	}

	channels, err := readChannelData(buf, h)
	if err != nil {
		return nil, err
	}
	m.GammaCounts = channels

	sf := spectrum.NewSpecFile()
	sf.AddMeasurement(m)
	sf.Analysis = analysis
	if err := sf.CleanupAfterLoad(); err != nil {
		return nil, err
	}
	return sf, nil
}

// decDayToTime converts the DECDAY-encoded acquisition time (days since
// 1900-01-01, double precision preferred over the float32 field) to a
// wall-clock time.
func decDayToTime(days8 float64, days4 float32) (time.Time, bool) {
	days := days8
	if days == 0 {
		days = float64(days4)
	}
	if days <= 0 {
		return time.Time{}, false
	}
	epoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	return epoch.Add(time.Duration(days * float64(24*time.Hour))), true
}

// parseCalibrationRecord reads the polynomial A,B,C energy coefficients
// from a calibration record; the FWHM A,B,C and efficiency coefficients
// that follow are present on disk but unused.
func parseCalibrationRecord(rec []byte) (a, b, c float64) {
	cur := &cursor{b: rec}
	a = float64(cur.f32())
	b = float64(cur.f32())
	c = float64(cur.f32())
	return a, b, c
}

func cleanText(rec []byte) string {
	i := bytes.IndexByte(rec, 0)
	if i >= 0 {
		rec = rec[:i]
	}
	return strings.TrimSpace(string(rec))
}

// extractSerialNumber pulls a trailing "SN:..." or "Serial:..." token
// from detector-description text; Read stores it as the Measurement's
// DetectorName. No detector model or submodel is derived from it. This
// is best-effort: it never fails the parse if no serial is found.
func extractSerialNumber(desc string) string {
	upper := strings.ToUpper(desc)
	for _, marker := range []string{"SN:", "SERIAL:"} {
		if i := strings.Index(upper, marker); i >= 0 {
			rest := strings.TrimSpace(desc[i+len(marker):])
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

// readMultiRecordText concatenates consecutive records starting at ptr
// until a null byte run signals the text's end, treating the ID report
// as a single run of 128-byte-aligned records.
func readMultiRecordText(buf []byte, ptr int16) string {
	var b strings.Builder
	for p := ptr; ; p++ {
		rec := recordAt(buf, p)
		if rec == nil {
			break
		}
		text := cleanText(rec)
		if text == "" {
			break
		}
		b.WriteString(text)
		b.WriteString("\r\n")
		if len(text) < len(rec)-1 {
			// A null terminator inside the record (rather than right at
			// its last byte) means the report ends here.
			break
		}
	}
	return b.String()
}

// parseIDReport extracts total neutron counts, neutron count time, and
// Found/Suspect Nuclide lines from the textual ID report.
func parseIDReport(text string) (neutronSum, neutronTime float64, results []spectrum.DetectorAnalysisResult) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "TOTAL NEUTRON COUNTS"):
			if v, ok := lastNumber(line); ok {
				neutronSum = v
			}
		case strings.HasPrefix(strings.ToUpper(line), "NEUTRON COUNT TIME"):
			if v, ok := lastNumber(line); ok {
				neutronTime = v
			}
		case strings.HasPrefix(strings.ToUpper(line), "FOUND NUCLIDES"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				name := strings.TrimSpace(parts[1])
				if name != "" {
					results = append(results, spectrum.DetectorAnalysisResult{Nuclide: name, NuclideType: "found"})
				}
			}
		case strings.HasPrefix(strings.ToUpper(line), "SUSPECT NUCLIDES"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				name := strings.TrimSpace(parts[1])
				if name != "" {
					results = append(results, spectrum.DetectorAnalysisResult{Nuclide: name, NuclideType: "suspect"})
				}
			}
		}
	}
	return neutronSum, neutronTime, results
}

func lastNumber(line string) (float64, bool) {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// readChannelData reads h.numChannels values starting at the spectrum
// pointer, as uint32 or float32 per the byte-3 (wFILTYP) discriminator.
func readChannelData(buf []byte, h header) ([]float64, error) {
	rec := recordAt(buf, h.spectrumPtr)
	if rec == nil {
		return nil, fmt.Errorf("%w: SPC spectrum pointer absent or out of range", spectrum.ErrValueOutOfRange)
	}
	n := int(h.numChannels)
	need := n * 4
	start := recordSize * (int(h.spectrumPtr) - 1)
	if start+need > len(buf) {
		return nil, fmt.Errorf("%w: SPC channel data truncated", spectrum.ErrTruncated)
	}
	out := make([]float64, n)
	region := buf[start : start+need]
	for i := 0; i < n; i++ {
		raw := binary.LittleEndian.Uint32(region[i*4:])
		if h.filType == 5 {
			out[i] = float64(math.Float32frombits(raw))
		} else {
			out[i] = float64(raw)
		}
	}
	return out, nil
}

// Write serializes sf's first Measurement as binary SPC: pointers
// computed up front, zero-padded 128-byte records in order.
func Write(w io.Writer, sf *spectrum.SpecFile) error {
	measurements := sf.Measurements()
	if len(measurements) == 0 {
		return fmt.Errorf("%w: no measurements to write", spectrum.ErrWriteFailure)
	}
	m := measurements[0]
	n := len(m.GammaCounts)
	if n == 0 {
		return fmt.Errorf("%w: measurement has no channel data", spectrum.ErrWriteFailure)
	}

	isFloat := false
	for _, c := range m.GammaCounts {
		if c != math.Trunc(c) || c < 0 || c > math.MaxUint32 {
			isFloat = true
			break
		}
	}

	// Record layout (1-based): 1=header, 2=acquisition info (unused),
	// 3=sample description (unused), 4=detector description, 5=
	// calibration, 6..6+spectrumRecords-1=channel data, then the
	// expansion header record.
	spectrumRecords := int16((n*4 + recordSize - 1) / recordSize)
	detDescPtr := int16(4)
	calRecPtr := int16(5)
	spectrumPtr := int16(6)
	expansionHdrPtr := int16(6 + spectrumRecords)

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	filType := int16(1)
	if isFloat {
		filType = 5
	}

	rec0 := make([]byte, recordSize)
	c := rec0
	putI16(&c, 1)       // wINFTYP
	putI16(&c, filType) // wFILTYP
	c = c[4:]            // wSkip1
	putI16(&c, 0)       // wACQIRP
	putI16(&c, 0)       // wSAMDRP
	putI16(&c, detDescPtr)
	c = c[18:] // wSKIP2
	putI16(&c, 0)
	putI16(&c, calRecPtr)
	putI16(&c, 0)
	putI16(&c, 0)
	putI16(&c, 0)
	putI16(&c, 0)
	c = c[2:]  // wEPN
	c = c[12:] // wSkip3
	c = c[2:]  // wEFFPNM
	putI16(&c, spectrumPtr)
	putI16(&c, spectrumRecords)
	putU16(&c, uint16(n))
	putI16(&c, 0) // wABSTCHN
	days := 0.0
	if m.HasStartTime {
		days = m.StartTime.Sub(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)).Hours() / 24
	}
	putF32(&c, float32(days))
	putF64(&c, days)
	c = c[8:] // wSkip4
	putI16(&c, 0)
	putF32(&c, float32(m.RealTime))
	putF32(&c, float32(m.LiveTime))
	c = c[2:] // wSkip50
	c = c[2:] // framRecords
	c = c[2:] // TRIFID
	c = c[2:] // NaI
	c = c[2:] // Location
	c = c[2:] // MCSdata
	putI16(&c, expansionHdrPtr)
	bw.Write(rec0)

	rec1 := make([]byte, recordSize)
	bw.Write(rec1) // acquisition info (unused)

	rec2 := make([]byte, recordSize)
	bw.Write(rec2) // sample description (unused)

	detRec := make([]byte, recordSize)
	copy(detRec, []byte(m.DetectorDescription))
	bw.Write(detRec)

	calRec := make([]byte, recordSize)
	cc := calRec
	coeffs := [3]float32{}
	if m.Calibration != nil {
		for i, v := range m.Calibration.Coefficients() {
			if i < 3 {
				coeffs[i] = float32(v)
			}
		}
	}
	putF32(&cc, coeffs[0])
	putF32(&cc, coeffs[1])
	putF32(&cc, coeffs[2])
	bw.Write(calRec)

	spectrumBytes := make([]byte, int(spectrumRecords)*recordSize)
	for i, v := range m.GammaCounts {
		if isFloat {
			binary.LittleEndian.PutUint32(spectrumBytes[i*4:], math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint32(spectrumBytes[i*4:], uint32(v))
		}
	}
	bw.Write(spectrumBytes)

	expRec := make([]byte, recordSize)
	bw.Write(expRec) // expansion header: no textual ID report written

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", spectrum.ErrWriteFailure, err)
	}
	_, err := w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", spectrum.ErrWriteFailure, err)
	}
	return nil
}

func putI16(b *[]byte, v int16) {
	binary.LittleEndian.PutUint16((*b)[:2], uint16(v))
	*b = (*b)[2:]
}

func putU16(b *[]byte, v uint16) {
	binary.LittleEndian.PutUint16((*b)[:2], v)
	*b = (*b)[2:]
}

func putF32(b *[]byte, v float32) {
	binary.LittleEndian.PutUint32((*b)[:4], math.Float32bits(v))
	*b = (*b)[4:]
}

func putF64(b *[]byte, v float64) {
	binary.LittleEndian.PutUint64((*b)[:8], math.Float64bits(v))
	*b = (*b)[8:]
}
