package fit

import (
	"errors"
	"math"
	"testing"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/kinetics"
)

func TestAutoStart_DerivesFromUptakeSpread(t *testing.T) {
	uptakes := []float64{0.5, 1.2, 3.4, 4.9}

	d, err := autoStart(kinetics.ParamD, uptakes)
	if err != nil || d != 0.5 {
		t.Errorf("offset start: got %g (%v), want the minimum 0.5", d, err)
	}
	a, err := autoStart(kinetics.ParamA, uptakes)
	if err != nil || math.Abs(a-4.4) > 1e-12 {
		t.Errorf("amplitude start: got %g (%v), want the range 4.4", a, err)
	}
	b, err := autoStart(kinetics.ParamB, uptakes)
	if err != nil || b != defaultRateStart {
		t.Errorf("rate start: got %g (%v), want %g", b, err, defaultRateStart)
	}
	p, err := autoStart(kinetics.ParamP, uptakes)
	if err != nil || p != 1 {
		t.Errorf("stretch start: got %g (%v), want 1", p, err)
	}
}

func TestAutoStart_FlatSeriesKeepsAmplitudePositive(t *testing.T) {
	uptakes := []float64{2.0, 2.0, 2.0}
	a, err := autoStart(kinetics.ParamA, uptakes)
	if err != nil {
		t.Fatalf("autoStart: %v", err)
	}
	if a < minAmplitude {
		t.Errorf("flat series amplitude start %g below floor %g", a, minAmplitude)
	}
}

func TestAutoStart_EmptyUptakes(t *testing.T) {
	_, err := autoStart(kinetics.ParamD, nil)
	if !errors.Is(err, core.ErrMissingStart) {
		t.Fatalf("expected ErrMissingStart, got %v", err)
	}
}

func TestBoundsFor_RatesAndStretch(t *testing.T) {
	layout := kinetics.StretchedUptake(false).Layout([]hdx.Condition{"apo"})
	lower, upper := boundsFor(layout)

	for i, slot := range layout {
		switch slot.Name {
		case kinetics.ParamB:
			if lower[i] != 0 || !math.IsInf(upper[i], 1) {
				t.Errorf("rate bounds: got [%g, %g]", lower[i], upper[i])
			}
		case kinetics.ParamP:
			if lower[i] != stretchLower || upper[i] != stretchUpper {
				t.Errorf("stretch bounds: got [%g, %g] want [%g, %g]", lower[i], upper[i], stretchLower, stretchUpper)
			}
		default:
			if !math.IsInf(lower[i], -1) || !math.IsInf(upper[i], 1) {
				t.Errorf("%s should be unconstrained, got [%g, %g]", slot, lower[i], upper[i])
			}
		}
	}
}
