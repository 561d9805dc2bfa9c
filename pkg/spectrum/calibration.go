package spectrum

import (
	"fmt"
	"math"
	"sort"
)

// CalibrationType is the closed variant tag for EnergyCalibration: a
// polynomial-vs-full-range-fraction-vs-lower-channel-edge hierarchy
// collapsed into a single tagged struct instead of an interface, since
// every variant shares the same immutable-value semantics and only the
// evaluation rule differs.
type CalibrationType int

const (
	CalibrationInvalid CalibrationType = iota
	CalibrationUnspecifiedDefaultPolynomial
	CalibrationPolynomial
	CalibrationFullRangeFraction
	CalibrationLowerChannelEdge
)

// DeviationPair is a (energy, offset) correction applied to a
// polynomial or full-range-fraction calibration.
type DeviationPair struct {
	Energy float64
	Offset float64
}

// EnergyCalibration is an immutable value describing a channel->energy
// mapping. Once returned by one of the New*Calibration constructors it
// is never mutated; a change requires constructing a new value.
// Multiple Measurements may share one *EnergyCalibration instance.
type EnergyCalibration struct {
	calType        CalibrationType
	coefficients   []float64
	deviationPairs []DeviationPair
	numChannels    int
	edges          []float64
}

// Type reports the calibration's variant.
func (c *EnergyCalibration) Type() CalibrationType {
	if c == nil {
		return CalibrationInvalid
	}
	return c.calType
}

// Coefficients returns the polynomial/FRF coefficients (nil for other
// variants). The returned slice must not be mutated by the caller.
func (c *EnergyCalibration) Coefficients() []float64 { return c.coefficients }

// DeviationPairs returns the deviation pairs, if any. Must not be
// mutated by the caller.
func (c *EnergyCalibration) DeviationPairs() []DeviationPair { return c.deviationPairs }

// NumChannels returns the declared channel count for Polynomial/FRF
// variants.
func (c *EnergyCalibration) NumChannels() int { return c.numChannels }

// Edges returns the per-channel lower edges for the LowerChannelEdge
// variant.
func (c *EnergyCalibration) Edges() []float64 { return c.edges }

// NewPolynomialCalibration validates and constructs a Polynomial
// calibration: first coefficient finite, slope (c1) strictly positive,
// resulting energy sequence strictly monotonic on [0, numChannels].
func NewPolynomialCalibration(coeffs []float64, devPairs []DeviationPair, numChannels int) (*EnergyCalibration, error) {
	if len(coeffs) == 0 || !isFinite(coeffs[0]) {
		return nil, fmt.Errorf("%w: calibration coefficients empty or non-finite", ErrValueOutOfRange)
	}
	c := &EnergyCalibration{
		calType:        CalibrationPolynomial,
		coefficients:   append([]float64(nil), coeffs...),
		deviationPairs: append([]DeviationPair(nil), devPairs...),
		numChannels:    numChannels,
	}
	if err := checkMonotonic(c, numChannels, evalPolynomial); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFullRangeFractionCalibration validates and constructs a
// FullRangeFraction calibration: x = i/N, E = sum ck*x^k, optionally a
// c4/(1+60x) term.
func NewFullRangeFractionCalibration(coeffs []float64, devPairs []DeviationPair, numChannels int) (*EnergyCalibration, error) {
	if len(coeffs) == 0 || !isFinite(coeffs[0]) {
		return nil, fmt.Errorf("%w: calibration coefficients empty or non-finite", ErrValueOutOfRange)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("%w: full-range-fraction calibration needs numChannels > 0", ErrValueOutOfRange)
	}
	c := &EnergyCalibration{
		calType:        CalibrationFullRangeFraction,
		coefficients:   append([]float64(nil), coeffs...),
		deviationPairs: append([]DeviationPair(nil), devPairs...),
		numChannels:    numChannels,
	}
	if err := checkMonotonic(c, numChannels, evalFRF); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLowerChannelEdgeCalibration constructs a LowerChannelEdge
// calibration from explicit per-channel lower edges.
func NewLowerChannelEdgeCalibration(edges []float64) (*EnergyCalibration, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: lower-channel-edge calibration needs >= 2 edges", ErrValueOutOfRange)
	}
	if !sort.Float64sAreSorted(edges) {
		return nil, fmt.Errorf("%w: lower-channel-edge calibration not monotonic", ErrValueOutOfRange)
	}
	return &EnergyCalibration{
		calType: CalibrationLowerChannelEdge,
		edges:   append([]float64(nil), edges...),
	}, nil
}

// InvalidCalibration is the shared sentinel for the Invalid variant.
var InvalidCalibration = &EnergyCalibration{calType: CalibrationInvalid}

// UnspecifiedDefaultCalibration is the shared sentinel for the
// UnspecifiedDefaultPolynomial variant (used when a reader has channel
// data but no calibration information at all).
var UnspecifiedDefaultCalibration = &EnergyCalibration{calType: CalibrationUnspecifiedDefaultPolynomial}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func evalPolynomial(c *EnergyCalibration, channel float64) float64 {
	var e, pow float64 = 0, 1
	for _, k := range c.coefficients {
		e += k * pow
		pow *= channel
	}
	return e + deviationOffset(c.deviationPairs, e)
}

func evalFRF(c *EnergyCalibration, channel float64) float64 {
	x := channel / float64(c.numChannels)
	var e, pow float64 = 0, 1
	for i, k := range c.coefficients {
		if i == 4 {
			e += k / (1 + 60*x)
			pow *= x
			continue
		}
		e += k * pow
		pow *= x
	}
	return e + deviationOffset(c.deviationPairs, e)
}

// deviationOffset linearly interpolates the deviation-pair offset at
// the given energy, clamping outside the pair range.
func deviationOffset(pairs []DeviationPair, energy float64) float64 {
	if len(pairs) == 0 {
		return 0
	}
	if energy <= pairs[0].Energy {
		return pairs[0].Offset
	}
	last := pairs[len(pairs)-1]
	if energy >= last.Energy {
		return last.Offset
	}
	for i := 0; i+1 < len(pairs); i++ {
		a, b := pairs[i], pairs[i+1]
		if energy >= a.Energy && energy <= b.Energy {
			if b.Energy == a.Energy {
				return a.Offset
			}
			t := (energy - a.Energy) / (b.Energy - a.Energy)
			return a.Offset + t*(b.Offset-a.Offset)
		}
	}
	return 0
}

func checkMonotonic(c *EnergyCalibration, numChannels int, eval func(*EnergyCalibration, float64) float64) error {
	if len(c.coefficients) < 2 || !(c.coefficients[1] > 0) {
		return fmt.Errorf("%w: calibration slope (c1) is not strictly positive", ErrValueOutOfRange)
	}
	if numChannels <= 0 {
		return nil
	}
	prev := eval(c, 0)
	for ch := 1; ch <= numChannels; ch++ {
		cur := eval(c, float64(ch))
		if cur <= prev {
			return fmt.Errorf("%w: calibration energy sequence not strictly monotonic at channel %d", ErrValueOutOfRange, ch)
		}
		prev = cur
	}
	return nil
}

// ChannelToEnergy converts a channel index to energy (keV) using the
// calibration's variant-appropriate formula.
func ChannelToEnergy(channel float64, c *EnergyCalibration) float64 {
	if c == nil {
		return 0
	}
	switch c.calType {
	case CalibrationPolynomial, CalibrationUnspecifiedDefaultPolynomial:
		return evalPolynomial(c, channel)
	case CalibrationFullRangeFraction:
		return evalFRF(c, channel)
	case CalibrationLowerChannelEdge:
		i := int(channel)
		if i < 0 {
			i = 0
		}
		if i >= len(c.edges) {
			i = len(c.edges) - 1
		}
		return c.edges[i]
	default:
		return 0
	}
}

// EnergyToChannel is the approximate inverse of ChannelToEnergy,
// found by bisection (works for any monotonic variant, unlike a closed
// quadratic-only form).
func EnergyToChannel(energyKeV float64, c *EnergyCalibration) float64 {
	if c == nil {
		return 0
	}
	if c.calType == CalibrationLowerChannelEdge {
		i := sort.SearchFloat64s(c.edges, energyKeV)
		if i > 0 {
			i--
		}
		return float64(i)
	}
	n := c.numChannels
	if n <= 0 {
		return 0
	}
	lo, hi := 0.0, float64(n)
	for iter := 0; iter < 64; iter++ {
		mid := (lo + hi) / 2
		if ChannelToEnergy(mid, c) < energyKeV {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// PolynomialToFRF converts a Polynomial calibration to an equivalent
// FullRangeFraction calibration over the same channel count.
func PolynomialToFRF(c *EnergyCalibration) (*EnergyCalibration, error) {
	if c == nil || c.calType != CalibrationPolynomial {
		return nil, fmt.Errorf("%w: PolynomialToFRF requires a Polynomial calibration", ErrInvariantViolation)
	}
	if len(c.coefficients) > 4 {
		// A fifth FRF coefficient is the c4/(1+60x) term, not x^4, so
		// no equivalent exists.
		return nil, fmt.Errorf("%w: PolynomialToFRF supports at most 4 coefficients", ErrValueOutOfRange)
	}
	n := float64(c.numChannels)
	frfCoeffs := make([]float64, len(c.coefficients))
	pow := 1.0
	for i, k := range c.coefficients {
		frfCoeffs[i] = k * pow
		pow *= n
	}
	return NewFullRangeFractionCalibration(frfCoeffs, c.deviationPairs, c.numChannels)
}

// FRFToPolynomial converts a FullRangeFraction calibration to an
// equivalent Polynomial calibration over the same channel count.
func FRFToPolynomial(c *EnergyCalibration) (*EnergyCalibration, error) {
	if c == nil || c.calType != CalibrationFullRangeFraction {
		return nil, fmt.Errorf("%w: FRFToPolynomial requires a FullRangeFraction calibration", ErrInvariantViolation)
	}
	n := float64(c.numChannels)
	polyCoeffs := make([]float64, len(c.coefficients))
	pow := 1.0
	for i, k := range c.coefficients {
		if i == 4 {
			// The c4/(1+60x) term has no exact polynomial equivalent;
			// approximate it at x=0 (the constant c4, folded into the
			// offset term), a best-effort conversion for this
			// rarely-used term.
			polyCoeffs[0] += k
			pow *= n
			continue
		}
		polyCoeffs[i] = k / pow
		pow *= n
	}
	return NewPolynomialCalibration(polyCoeffs, c.deviationPairs, c.numChannels)
}

// sameCalibration reports whether two calibrations have equal
// coefficients, deviation pairs, and channel count -- the equality
// cleanupAfterLoad uses to hash-cons shared instances.
func sameCalibration(a, b *EnergyCalibration) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.calType != b.calType || a.numChannels != b.numChannels {
		return false
	}
	if len(a.coefficients) != len(b.coefficients) {
		return false
	}
	for i := range a.coefficients {
		if a.coefficients[i] != b.coefficients[i] {
			return false
		}
	}
	if len(a.deviationPairs) != len(b.deviationPairs) {
		return false
	}
	for i := range a.deviationPairs {
		if a.deviationPairs[i] != b.deviationPairs[i] {
			return false
		}
	}
	if len(a.edges) != len(b.edges) {
		return false
	}
	for i := range a.edges {
		if a.edges[i] != b.edges[i] {
			return false
		}
	}
	return true
}
