// Package iaeaspe reads and writes the IAEA SPE text format: a
// line-oriented, "$TAG:"-driven spectrum container.
package iaeaspe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"gospec/pkg/dispatch"
	"gospec/pkg/spectrum"
	"gospec/pkg/sutil"
)

var log = logrus.WithField("format", "iaea-spe")

// maxLineLen bounds a single logical line; IAEA SPE files are small and
// line-oriented, so this is generous rather than tight.
const maxLineLen = 1 << 16

func init() {
	dispatch.Register(dispatch.FormatIAEASPE, []string{".spe"}, sniff, Read, Write)
}

// sniff reports whether the leading bytes look like IAEA SPE text:
// the first non-whitespace byte is "$".
func sniff(peek []byte) bool {
	trimmed := strings.TrimLeft(string(peek), " \t\r\n")
	return strings.HasPrefix(trimmed, "$")
}

// recordState accumulates one in-progress Measurement between "$ENDRECORD:"
// boundaries.
type recordState struct {
	m              *spectrum.Measurement
	enerFit        []float64
	mcaCal         []float64
	devPairs       []spectrum.DeviationPair
	neutronIsCPS   bool
}

func newRecordState() *recordState {
	return &recordState{m: &spectrum.Measurement{}}
}

// Read parses an IAEA SPE stream into a SpecFile. On any fatal error it
// returns a zero SpecFile pointer and the stream is left in an
// indeterminate position -- callers (the dispatcher) are responsible
// for position snapshot/rewind around the whole attempt.
func Read(r io.Reader) (*spectrum.SpecFile, error) {
	lr := sutil.NewLineReader(r)

	first, err := lr.ReadLine(maxLineLen)
	if err != nil || !strings.HasPrefix(strings.TrimSpace(first), "$") {
		return nil, fmt.Errorf("%w: IAEA SPE must start with a $TAG: line", spectrum.ErrFormatRejected)
	}

	sf := spectrum.NewSpecFile()
	st := newRecordState()
	committed := 0

	line := first
	for {
		tag, ok := parseTag(line)
		if !ok {
			// A non-tag line outside of any recognized tag's body is
			// skipped; the next $-line resynchronizes us.
			next, err := lr.ReadLine(maxLineLen)
			if err != nil {
				break
			}
			line = next
			continue
		}

		var err error
		line, err = dispatchTag(lr, tag, st)
		if err != nil {
			if errors.Is(err, errEndRecord) {
				finalizeRecord(st)
				sf.AddMeasurement(st.m)
				committed++
				st = newRecordState()
				next, rerr := lr.ReadLine(maxLineLen)
				if rerr != nil {
					break
				}
				line = next
				continue
			}
			return nil, err
		}
		if line == "" && lr.EOF() {
			break
		}
	}

	if len(st.m.GammaCounts) > 0 {
		finalizeRecord(st)
		sf.AddMeasurement(st.m)
		committed++
	}

	if committed == 0 {
		return nil, fmt.Errorf("%w: IAEA SPE stream produced zero measurements", spectrum.ErrFormatRejected)
	}

	if err := sf.CleanupAfterLoad(); err != nil {
		return nil, err
	}
	return sf, nil
}

var errEndRecord = errors.New("iaeaspe: end of record")

// parseTag recognizes a "$TAG:" line, trimming surrounding whitespace
// and the trailing colon.
func parseTag(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return "", false
	}
	line = strings.TrimPrefix(line, "$")
	line = strings.TrimSuffix(line, ":")
	return line, true
}

// dispatchTag consumes the body of the tag named, returning the next
// unconsumed line (typically the following "$..." tag line, or "" at
// EOF).
func dispatchTag(lr *sutil.LineReader, tag string, st *recordState) (string, error) {
	switch tag {
	case "DATA":
		return readDataSection(lr, st)
	case "MEAS_TIM":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $MEAS_TIM: missing body", spectrum.ErrTruncated)
		}
		fields, err := sutil.SplitFloats(line, sutil.SplitFloatsOptions{})
		if err != nil || len(fields) < 2 {
			return "", fmt.Errorf("%w: $MEAS_TIM: malformed live/real time line", spectrum.ErrValueOutOfRange)
		}
		st.m.LiveTime = fields[0]
		st.m.RealTime = fields[1]
		return nextTagLine(lr)
	case "DATE_MEA":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $DATE_MEA: missing body", spectrum.ErrTruncated)
		}
		t, terr := sutil.ParseTime(line, sutil.MiddleEndianFirst)
		if terr != nil {
			st.m.Warnings = append(st.m.Warnings, fmt.Sprintf("ambiguous $DATE_MEA value %q", line))
			log.WithField("value", line).Debug("could not parse measurement date")
		} else {
			st.m.StartTime = t
			st.m.HasStartTime = true
		}
		return nextTagLine(lr)
	case "ENER_FIT":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $ENER_FIT: missing body", spectrum.ErrTruncated)
		}
		coeffs, err := parseCoeffLine(line)
		if err != nil {
			return "", fmt.Errorf("%w: $ENER_FIT: %v", spectrum.ErrValueOutOfRange, err)
		}
		st.enerFit = coeffs
		return nextTagLine(lr)
	case "MCA_CAL":
		// First line after the tag is sometimes a coefficient count;
		// tolerate either a bare count line or the coefficients
		// directly, matching real-world producer variance.
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $MCA_CAL: missing body", spectrum.ErrTruncated)
		}
		if n, cerr := strconv.Atoi(strings.TrimSpace(line)); cerr == nil && n > 0 && n < 10 {
			line, err = lr.ReadLine(maxLineLen)
			if err != nil {
				return "", fmt.Errorf("%w: $MCA_CAL: missing coefficient line", spectrum.ErrTruncated)
			}
		}
		coeffs, err := parseCoeffLine(line)
		if err != nil {
			return "", fmt.Errorf("%w: $MCA_CAL: %v", spectrum.ErrValueOutOfRange, err)
		}
		st.mcaCal = coeffs
		return nextTagLine(lr)
	case "NON_LINEAR_DEVIATIONS":
		countLine, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $NON_LINEAR_DEVIATIONS: missing count", spectrum.ErrTruncated)
		}
		n, cerr := strconv.Atoi(strings.TrimSpace(countLine))
		if cerr != nil || n < 0 {
			return "", fmt.Errorf("%w: $NON_LINEAR_DEVIATIONS: bad pair count", spectrum.ErrValueOutOfRange)
		}
		pairs := make([]spectrum.DeviationPair, 0, n)
		var line string
		for i := 0; i < n; i++ {
			line, err = lr.ReadLine(maxLineLen)
			if err != nil {
				return "", fmt.Errorf("%w: $NON_LINEAR_DEVIATIONS: truncated pair list", spectrum.ErrTruncated)
			}
			vals, perr := sutil.SplitFloats(line, sutil.SplitFloatsOptions{})
			if perr != nil || len(vals) < 2 {
				return "", fmt.Errorf("%w: $NON_LINEAR_DEVIATIONS: malformed pair", spectrum.ErrValueOutOfRange)
			}
			pairs = append(pairs, spectrum.DeviationPair{Energy: vals[0], Offset: vals[1]})
		}
		st.devPairs = pairs
		return nextTagLine(lr)
	case "NEUTRON_CPS":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $NEUTRON_CPS: missing body", spectrum.ErrTruncated)
		}
		v, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if perr != nil {
			return "", fmt.Errorf("%w: $NEUTRON_CPS: malformed value", spectrum.ErrValueOutOfRange)
		}
		if len(st.m.NeutronCounts) > 0 {
			// $NEUTRONS: already supplied counts; they take precedence.
			return nextTagLine(lr)
		}
		st.m.ContainedNeutron = true
		st.m.NeutronCountsSum = v
		st.neutronIsCPS = true
		return nextTagLine(lr)
	case "NEUTRONS":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $NEUTRONS: missing body", spectrum.ErrTruncated)
		}
		v, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if perr != nil {
			return "", fmt.Errorf("%w: $NEUTRONS: malformed value", spectrum.ErrValueOutOfRange)
		}
		st.m.ContainedNeutron = true
		st.m.NeutronCounts = []float64{v}
		st.m.NeutronCountsSum = v
		st.neutronIsCPS = false
		return nextTagLine(lr)
	case "GPS":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $GPS: missing body", spectrum.ErrTruncated)
		}
		vals, perr := sutil.SplitFloats(line, sutil.SplitFloatsOptions{})
		if perr == nil && len(vals) >= 2 {
			st.m.GPS = spectrum.GPSCoordinate{Latitude: vals[0], Longitude: vals[1]}
			st.m.HasGPS = true
		} else {
			st.m.Warnings = append(st.m.Warnings, "malformed $GPS line ignored")
			log.WithField("value", line).Debug("could not parse GPS line")
		}
		return nextTagLine(lr)
	case "SPEC_ID":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $SPEC_ID: missing body", spectrum.ErrTruncated)
		}
		st.m.Title = strings.TrimSpace(line)
		return nextTagLine(lr)
	case "DEVICE_ID":
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", fmt.Errorf("%w: $DEVICE_ID: missing body", spectrum.ErrTruncated)
		}
		st.m.DetectorName = strings.TrimSpace(line)
		return nextTagLine(lr)
	case "ENDRECORD":
		return "", errEndRecord
	default:
		return skipUnknownTag(lr)
	}
}

// skipUnknownTag consumes lines until the next "$"-prefixed line,
// returning it unconsumed for the caller's dispatch loop.
func skipUnknownTag(lr *sutil.LineReader) (string, error) {
	for {
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			return "", nil
		}
		if strings.HasPrefix(strings.TrimSpace(line), "$") {
			return line, nil
		}
	}
}

// nextTagLine reads forward until (and including) the next "$"-prefixed
// line, which becomes the caller's next dispatch target.
func nextTagLine(lr *sutil.LineReader) (string, error) {
	return skipUnknownTag(lr)
}

// readDataSection reads "$DATA:"'s first_channel/last_channel line
// then whitespace-separated channel counts until the next "$" line.
func readDataSection(lr *sutil.LineReader, st *recordState) (string, error) {
	rangeLine, err := lr.ReadLine(maxLineLen)
	if err != nil {
		return "", fmt.Errorf("%w: $DATA: missing channel range", spectrum.ErrTruncated)
	}
	rangeFields, rerr := sutil.SplitInts(rangeLine)
	if rerr != nil || len(rangeFields) < 2 {
		return "", fmt.Errorf("%w: $DATA: malformed channel range line", spectrum.ErrValueOutOfRange)
	}

	var counts []float64
	for {
		line, err := lr.ReadLine(maxLineLen)
		if err != nil {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), "$") {
			return line, nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		vals, perr := sutil.SplitFloats(line, sutil.SplitFloatsOptions{})
		if perr != nil {
			return "", fmt.Errorf("%w: $DATA: malformed channel count line", spectrum.ErrValueOutOfRange)
		}
		counts = append(counts, vals...)
	}
	st.m.GammaCounts = counts
	return "", nil
}

func parseCoeffLine(line string) ([]float64, error) {
	fields := strings.Fields(line)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		if strings.EqualFold(f, "keV") {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no coefficients found")
	}
	return out, nil
}

// finalizeRecord applies the $MCA_CAL-wins-over-$ENER_FIT rule, the
// neutron-CPS multiply-by-real-time rule, and constructs the
// Measurement's EnergyCalibration.
func finalizeRecord(st *recordState) {
	coeffs := st.enerFit
	if len(st.mcaCal) > 0 {
		coeffs = st.mcaCal
	}
	if len(coeffs) > 0 {
		cal, err := spectrum.NewPolynomialCalibration(coeffs, st.devPairs, len(st.m.GammaCounts))
		if err != nil {
			st.m.Warnings = append(st.m.Warnings, fmt.Sprintf("calibration rejected: %v", err))
			log.WithError(err).Debug("rejected calibration on finalize")
		} else {
			st.m.Calibration = cal
		}
	}

	if st.neutronIsCPS {
		if st.m.RealTime > 0 {
			v := st.m.NeutronCountsSum * st.m.RealTime
			st.m.NeutronCounts = []float64{v}
			st.m.NeutronCountsSum = v
		} else {
			st.m.NeutronCounts = []float64{st.m.NeutronCountsSum}
			st.m.Warnings = append(st.m.Warnings, "neutron counts left in CPS: real time is zero")
			log.Debug("neutron CPS could not be converted: real time is zero")
		}
	}
}

// Write serializes every Measurement in sf to IAEA SPE text, each as
// its own "$ENDRECORD:"-terminated record: fixed tag
// order, coefficients as %.9g, dates as %m/%d/%Y %H:%M:%S, one channel
// count per line, CRLF endings.
func Write(w io.Writer, sf *spectrum.SpecFile) error {
	bw := bufio.NewWriter(w)
	crlf := "\r\n"

	measurements := sf.Measurements()
	if len(measurements) == 0 {
		return fmt.Errorf("%w: no measurements to write", spectrum.ErrWriteFailure)
	}

	for _, m := range measurements {
		fmt.Fprintf(bw, "$SPEC_ID:%s", crlf)
		fmt.Fprintf(bw, "%s%s", m.Title, crlf)

		fmt.Fprintf(bw, "$DATE_MEA:%s", crlf)
		if m.HasStartTime {
			fmt.Fprintf(bw, "%s%s", m.StartTime.Format("01/02/2006 15:04:05"), crlf)
		} else {
			fmt.Fprintf(bw, "%s", crlf)
		}

		fmt.Fprintf(bw, "$MEAS_TIM:%s", crlf)
		fmt.Fprintf(bw, "%.9g %.9g%s", m.LiveTime, m.RealTime, crlf)

		fmt.Fprintf(bw, "$DATA:%s", crlf)
		fmt.Fprintf(bw, "0 %d%s", len(m.GammaCounts)-1, crlf)
		for _, c := range m.GammaCounts {
			fmt.Fprintf(bw, "%.9g%s", c, crlf)
		}

		if m.Calibration != nil && len(m.Calibration.Coefficients()) > 0 {
			fmt.Fprintf(bw, "$MCA_CAL:%s", crlf)
			fmt.Fprintf(bw, "%d%s", len(m.Calibration.Coefficients()), crlf)
			parts := make([]string, len(m.Calibration.Coefficients()))
			for i, c := range m.Calibration.Coefficients() {
				parts[i] = strconv.FormatFloat(c, 'g', 9, 64)
			}
			fmt.Fprintf(bw, "%s keV%s", strings.Join(parts, " "), crlf)
		}

		if m.Calibration != nil && len(m.Calibration.DeviationPairs()) > 0 {
			fmt.Fprintf(bw, "$NON_LINEAR_DEVIATIONS:%s", crlf)
			fmt.Fprintf(bw, "%d%s", len(m.Calibration.DeviationPairs()), crlf)
			for _, p := range m.Calibration.DeviationPairs() {
				fmt.Fprintf(bw, "%.9g %.9g%s", p.Energy, p.Offset, crlf)
			}
		}

		if m.ContainedNeutron {
			fmt.Fprintf(bw, "$NEUTRONS:%s", crlf)
			fmt.Fprintf(bw, "%.9g%s", m.NeutronCountsSum, crlf)
		}

		if m.HasGPS {
			fmt.Fprintf(bw, "$GPS:%s", crlf)
			fmt.Fprintf(bw, "%.9g %.9g%s", m.GPS.Latitude, m.GPS.Longitude, crlf)
		}

		fmt.Fprintf(bw, "$ENDRECORD:%s", crlf)
	}

	return bw.Flush()
}
