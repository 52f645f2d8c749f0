package fit

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"gohdx/domain/core"
	"gohdx/domain/kinetics"
)

const (
	// Rate parameters start at a small positive constant; the solver walks
	// them onto the data's timescale from there.
	defaultRateStart = 0.01
	slowRateStart    = 0.001
	fastRateStart    = 0.1
	minAmplitude     = 1e-3

	stretchLower = 0.05
	stretchUpper = 4.0
)

// autoStart derives the automatic starting value for one parameter from the
// uptake values its slot sees: offset from the observed minimum, amplitude
// from the observed range, rates from small positive constants, stretch
// from 1.
func autoStart(name kinetics.ParamName, uptakes []float64) (float64, error) {
	lo, err := stats.Min(uptakes)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrMissingStart, err)
	}
	hi, err := stats.Max(uptakes)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrMissingStart, err)
	}
	span := hi - lo
	if span < minAmplitude {
		span = minAmplitude
	}

	switch name {
	case kinetics.ParamD:
		return lo, nil
	case kinetics.ParamA:
		return span, nil
	case kinetics.ParamB:
		return defaultRateStart, nil
	case kinetics.ParamP:
		return 1, nil
	case kinetics.ParamA1, kinetics.ParamA2:
		return span / 2, nil
	case kinetics.ParamB1:
		return fastRateStart, nil
	case kinetics.ParamB2:
		return slowRateStart, nil
	default:
		return 0, fmt.Errorf("%w: %q", core.ErrMissingStart, name)
	}
}

// boundsFor builds the box constraints for a layout: rates stay
// non-negative, the stretch exponent stays in a numerically safe band,
// amplitudes and offsets are unconstrained.
func boundsFor(layout []kinetics.ParamSlot) (lower, upper []float64) {
	lower = make([]float64, len(layout))
	upper = make([]float64, len(layout))
	for i, slot := range layout {
		switch slot.Name {
		case kinetics.ParamB, kinetics.ParamB1, kinetics.ParamB2:
			lower[i] = 0
			upper[i] = math.Inf(1)
		case kinetics.ParamP:
			lower[i] = stretchLower
			upper[i] = stretchUpper
		default:
			lower[i] = math.Inf(-1)
			upper[i] = math.Inf(1)
		}
	}
	return lower, upper
}
