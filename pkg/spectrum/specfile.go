package spectrum

import (
	"fmt"
	"math"
	"sort"
)

// SpecFile is an ordered collection of Measurements plus file-level
// metadata. It owns a reentrant lock; every public method acquires it
// on entry and releases it on every exit path.
type SpecFile struct {
	mu recursiveMutex

	measurements []*Measurement

	sampleNumbers  map[int]struct{}
	detectorNames  map[string]struct{}
	detectorNumbers map[int]struct{}

	gammaTotal   float64
	neutronTotal float64

	InstrumentType  string
	Manufacturer    string
	InstrumentModel string
	InstrumentID    string
	UUID            string
	MeasurementOperator string

	Remarks  []string
	Warnings []string

	DetectorType DetectorType

	Analysis *DetectorAnalysis

	ComponentVersions []string

	Filename string
}

// NewSpecFile returns an empty SpecFile ready to receive Measurements.
func NewSpecFile() *SpecFile {
	return &SpecFile{
		sampleNumbers:   make(map[int]struct{}),
		detectorNames:   make(map[string]struct{}),
		detectorNumbers: make(map[int]struct{}),
	}
}

// reset clears the SpecFile back to its just-constructed empty state.
// The readers do not call it: on a failed parse they return a nil
// SpecFile instead.
func (s *SpecFile) reset() {
	s.measurements = nil
	s.sampleNumbers = make(map[int]struct{})
	s.detectorNames = make(map[string]struct{})
	s.detectorNumbers = make(map[int]struct{})
	s.gammaTotal = 0
	s.neutronTotal = 0
	s.InstrumentType = ""
	s.Manufacturer = ""
	s.InstrumentModel = ""
	s.InstrumentID = ""
	s.UUID = ""
	s.MeasurementOperator = ""
	s.Remarks = nil
	s.Warnings = nil
	s.DetectorType = DetectorUnknown
	s.Analysis = nil
	s.ComponentVersions = nil
	s.Filename = ""
}

// Reset is the exported, locked form of reset.
func (s *SpecFile) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// AddMeasurement appends a Measurement to the file. Order is
// preserved exactly as measurements are added.
func (s *SpecFile) AddMeasurement(m *Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements = append(s.measurements, m)
}

// Measurements returns the current measurement list. The returned
// slice is a shallow copy; the Measurement pointers themselves are
// shared, read-only handles.
func (s *SpecFile) Measurements() []*Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Measurement, len(s.measurements))
	copy(out, s.measurements)
	return out
}

// NumMeasurements returns the measurement count.
func (s *SpecFile) NumMeasurements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.measurements)
}

// GammaCountSum returns the file-level gamma total maintained by
// cleanupAfterLoad.
func (s *SpecFile) GammaCountSum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gammaTotal
}

// NeutronCountSum returns the file-level neutron total.
func (s *SpecFile) NeutronCountSum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neutronTotal
}

// SetTitle sets the title of every measurement -- mutation of a shared
// Measurement only ever happens through a top-level SpecFile method
// like this one, never by a caller reaching into the slice directly.
func (s *SpecFile) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.measurements {
		m.Title = title
	}
}

// SetEnergyCalibration assigns the same shared calibration instance to
// every measurement in the file.
func (s *SpecFile) SetEnergyCalibration(c *EnergyCalibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.measurements {
		m.Calibration = c
	}
}

// SampleNumbers returns the aggregated sample-number set as a sorted
// slice.
func (s *SpecFile) SampleNumbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.sampleNumbers))
	for n := range s.sampleNumbers {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// DetectorNames returns the aggregated detector-name set as a sorted
// slice.
func (s *SpecFile) DetectorNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.detectorNames))
	for n := range s.detectorNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

const sumEpsilon = 1e-6

// CleanupAfterLoad is the normalization pass every reader invokes on
// success. It is idempotent and safe to call multiple times.
func (s *SpecFile) CleanupAfterLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupAfterLoad()
}

func (s *SpecFile) cleanupAfterLoad() error {
	s.dedupCalibrations()

	for _, m := range s.measurements {
		m.recomputeSums()

		if m.LiveTime == 0 && m.RealTime > 0 {
			m.LiveTime = m.RealTime
			m.addWarning("live time missing; set equal to real time")
		} else if m.RealTime == 0 && m.LiveTime > 0 {
			m.RealTime = m.LiveTime
			m.addWarning("real time missing; set equal to live time")
		}

		if m.ContainedNeutron && len(m.NeutronCounts) == 0 {
			m.NeutronCounts = []float64{m.NeutronCountsSum}
		}

		if m.HasGPS && !m.GPS.Valid() {
			m.HasGPS = false
			m.GPS = GPSCoordinate{}
			m.addWarning("invalid GPS coordinate cleared")
		}

		if m.Calibration != nil {
			switch m.Calibration.Type() {
			case CalibrationPolynomial, CalibrationFullRangeFraction:
				if m.Calibration.NumChannels() != len(m.GammaCounts) {
					m.addWarning(fmt.Sprintf(
						"calibration channel count %d does not match %d gamma channels",
						m.Calibration.NumChannels(), len(m.GammaCounts)))
				}
			}
		}
	}

	s.sampleNumbers = make(map[int]struct{})
	s.detectorNames = make(map[string]struct{})
	s.detectorNumbers = make(map[int]struct{})
	s.assignSampleNumbers()

	var gammaTotal, neutronTotal float64
	for _, m := range s.measurements {
		gammaTotal += m.GammaCountSum
		neutronTotal += m.NeutronCountsSum
		s.sampleNumbers[m.SampleNumber] = struct{}{}
		s.detectorNames[m.DetectorName] = struct{}{}
		s.detectorNumbers[m.DetectorNumber] = struct{}{}
	}
	s.gammaTotal = gammaTotal
	s.neutronTotal = neutronTotal

	return nil
}

// assignSampleNumbers fills in sample numbers where absent (zero
// value used as "unset" sentinel by readers) so that (sample,
// detector name) is unique. Measurements that already carry an
// explicit non-zero sample number are left alone.
func (s *SpecFile) assignSampleNumbers() {
	seen := make(map[[2]any]struct{})
	next := 1
	for _, m := range s.measurements {
		key := [2]any{m.SampleNumber, m.DetectorName}
		if m.SampleNumber != 0 {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				continue
			}
		}
		for {
			key = [2]any{next, m.DetectorName}
			if _, dup := seen[key]; !dup {
				break
			}
			next++
		}
		m.SampleNumber = next
		seen[key] = struct{}{}
		next++
	}
}

// dedupCalibrations canonicalizes equal calibrations to a single
// shared instance -- a hash-consing pass keyed on (coefficients,
// deviation pairs, channel count).
func (s *SpecFile) dedupCalibrations() {
	var canon []*EnergyCalibration
	for _, m := range s.measurements {
		if m.Calibration == nil {
			continue
		}
		found := false
		for _, c := range canon {
			if sameCalibration(c, m.Calibration) {
				m.Calibration = c
				found = true
				break
			}
		}
		if !found {
			canon = append(canon, m.Calibration)
		}
	}
}

// SumMeasurements produces a virtual Measurement whose gamma and
// neutron counts are channel-wise sums of the measurements matching
// sampleNumbers/detectorMask, whose live/real time are sums, whose
// start time is the earliest, and whose energy calibration is
// inherited from the first contributor provided all contributors
// share it.
func (s *SpecFile) SumMeasurements(sampleNumbers map[int]struct{}, detectorMask map[string]struct{}) (*Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contributors []*Measurement
	for _, m := range s.measurements {
		if sampleNumbers != nil {
			if _, ok := sampleNumbers[m.SampleNumber]; !ok {
				continue
			}
		}
		if detectorMask != nil {
			if _, ok := detectorMask[m.DetectorName]; !ok {
				continue
			}
		}
		contributors = append(contributors, m)
	}
	if len(contributors) == 0 {
		return nil, fmt.Errorf("%w: no measurements matched sum criteria", ErrInvariantViolation)
	}

	first := contributors[0]
	for _, c := range contributors[1:] {
		if !sameCalibration(first.Calibration, c.Calibration) {
			return nil, fmt.Errorf("%w: sum_measurements requires contributors to share one calibration; rebin first", ErrInvariantViolation)
		}
	}

	out := &Measurement{
		Calibration: first.Calibration,
		SourceType:  first.SourceType,
		DetectorName: "summed",
	}

	gammaLen := 0
	for _, m := range contributors {
		if len(m.GammaCounts) > gammaLen {
			gammaLen = len(m.GammaCounts)
		}
	}
	if gammaLen > 0 {
		out.GammaCounts = make([]float64, gammaLen)
	}

	neutronLen := 0
	for _, m := range contributors {
		if len(m.NeutronCounts) > neutronLen {
			neutronLen = len(m.NeutronCounts)
		}
	}
	if neutronLen > 0 {
		out.NeutronCounts = make([]float64, neutronLen)
	}

	earliest := contributors[0].StartTime
	haveStart := contributors[0].HasStartTime
	for _, m := range contributors {
		for i, v := range m.GammaCounts {
			out.GammaCounts[i] += v
		}
		for i, v := range m.NeutronCounts {
			out.NeutronCounts[i] += v
		}
		out.LiveTime += m.LiveTime
		out.RealTime += m.RealTime
		out.ContainedNeutron = out.ContainedNeutron || m.ContainedNeutron
		if m.HasStartTime && (!haveStart || m.StartTime.Before(earliest)) {
			earliest = m.StartTime
			haveStart = true
		}
	}
	out.StartTime = earliest
	out.HasStartTime = haveStart
	out.recomputeSums()

	return out, nil
}

// checkSumInvariant verifies |sum - actual| <= eps*actual, the
// tolerance every parsed Measurement's declared count sum must satisfy
// against its actual channel total.
func checkSumInvariant(declared float64, counts []float64) bool {
	var actual float64
	for _, c := range counts {
		actual += c
	}
	if actual == 0 {
		return math.Abs(declared) < sumEpsilon
	}
	return math.Abs(declared-actual) <= sumEpsilon*math.Abs(actual)
}
