package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mathext"

	"gohdx/domain/core"
	gostats "gohdx/domain/stats"
	"gohdx/internal"
)

// Variance floor below which a fit is treated as degenerate for prior
// estimation. Such features still receive a posterior.
const defaultVarianceFloor = 1e-12

// VarianceSample is one feature's contribution to the variance prior: its
// residual variance estimate and the degrees of freedom behind it.
type VarianceSample struct {
	Feature core.FeatureID `json:"feature"`
	Var     float64        `json:"var"`
	DF      float64        `json:"df"`
}

// Moderator fits a scaled inverse-chi-squared prior to the batch's residual
// variances and squeezes every feature's variance toward it. The prior is
// estimated from the log-variance moments: with s² ~ s0²·chi²_d/d the
// statistic e = ln s² - psi(d/2) + ln(d/2) has mean ln s0² + psi(d0/2) -
// ln(d0/2) and variance psi'(d/2) + psi'(d0/2), so matching the observed
// mean and spread of e identifies d0 and s0². Under-dispersed batches
// (observed spread at or below the chi-squared sampling noise) yield an
// infinite prior df: every feature is squeezed all the way to s0².
type Moderator struct {
	varFloor float64
	log      *internal.Logger
}

// NewModerator creates a moderator with the default variance floor
func NewModerator(logger *internal.Logger) *Moderator {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Moderator{varFloor: defaultVarianceFloor, log: logger}
}

// Moderate computes the moderation state for one batch. Features with no
// residual degrees of freedom or with variance at the degenerate floor are
// excluded from prior estimation and counted, but still receive a posterior.
// Fails with core.ErrTooFewVariances when fewer than two usable variances
// remain, or core.ErrDegenerateSpread when samples exist but every one is
// degenerate; callers fall back to unmoderated testing.
func (m *Moderator) Moderate(samples []VarianceSample) (*gostats.ModerationState, error) {
	ordered := make([]VarianceSample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Feature < ordered[j].Feature })

	seen := make(map[core.FeatureID]bool, len(ordered))
	for _, s := range ordered {
		if seen[s.Feature] {
			return nil, fmt.Errorf("duplicate variance sample for feature %s", s.Feature)
		}
		seen[s.Feature] = true
	}

	var (
		usable          []VarianceSample
		excludedZeroVar int
		excludedNoDF    int
	)
	for _, s := range ordered {
		switch {
		case s.DF <= 0 || math.IsNaN(s.Var):
			excludedNoDF++
		case math.IsInf(s.Var, 0) || s.Var <= m.varFloor:
			excludedZeroVar++
		default:
			usable = append(usable, s)
		}
	}

	if len(usable) == 0 && len(ordered) >= 2 {
		return nil, fmt.Errorf("%w: all %d variances at or below the floor", core.ErrDegenerateSpread, len(ordered))
	}
	if len(usable) < 2 {
		return nil, fmt.Errorf("%w: %d usable of %d supplied", core.ErrTooFewVariances, len(usable), len(ordered))
	}

	// Fisher-Z moments of the usable variances.
	e := make([]float64, len(usable))
	triSum := 0.0
	for i, s := range usable {
		half := s.DF / 2
		e[i] = math.Log(s.Var) - mathext.Digamma(half) + math.Log(half)
		triSum += trigamma(half)
	}
	eMean, err := stats.Mean(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDegenerateSpread, err)
	}
	eVar, err := stats.SampleVariance(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDegenerateSpread, err)
	}
	spread := eVar - triSum/float64(len(usable))

	var priorDF, priorVar float64
	if spread > 0 {
		priorDF = 2 * trigammaInverse(spread)
		priorVar = math.Exp(eMean + mathext.Digamma(priorDF/2) - math.Log(priorDF/2))
	} else {
		priorDF = math.Inf(1)
		priorVar = math.Exp(eMean)
	}

	state := &gostats.ModerationState{
		PriorVar:        priorVar,
		PriorDF:         core.JSONFloat(priorDF),
		Features:        make(map[core.FeatureID]gostats.FeatureModeration, len(ordered)),
		UsedFeatures:    len(usable),
		ExcludedZeroVar: excludedZeroVar,
		ExcludedNoDF:    excludedNoDF,
		CreatedAt:       core.Now(),
	}

	usedSet := make(map[core.FeatureID]bool, len(usable))
	for _, s := range usable {
		usedSet[s.Feature] = true
	}
	for _, s := range ordered {
		state.Features[s.Feature] = squeeze(s, priorVar, priorDF, usedSet[s.Feature])
	}

	m.log.Info("[Moderator] prior df=%.4g scale=%.6g from %d features (excluded: %d zero-variance, %d no-df)",
		priorDF, priorVar, len(usable), excludedZeroVar, excludedNoDF)
	return state, nil
}

// squeeze computes one feature's posterior variance: the df-weighted
// combination of its own variance and the prior scale, with posterior df
// equal to the sum of both.
func squeeze(s VarianceSample, priorVar, priorDF float64, usedInPrior bool) gostats.FeatureModeration {
	fm := gostats.FeatureModeration{
		RawVar:      s.Var,
		RawDF:       s.DF,
		UsedInPrior: usedInPrior,
	}
	rawVar := s.Var
	if math.IsNaN(rawVar) || math.IsInf(rawVar, 0) || rawVar < 0 {
		rawVar = 0
	}
	rawDF := s.DF
	if rawDF < 0 || math.IsNaN(rawDF) {
		rawDF = 0
	}
	if math.IsInf(priorDF, 1) {
		fm.PostVar = priorVar
		fm.PostDF = core.JSONFloat(math.Inf(1))
		return fm
	}
	fm.PostVar = (priorDF*priorVar + rawDF*rawVar) / (priorDF + rawDF)
	fm.PostDF = core.JSONFloat(priorDF + rawDF)
	return fm
}

// trigamma is psi'(x), the second derivative of ln Gamma
func trigamma(x float64) float64 {
	return mathext.Zeta(2, x)
}

// tetragamma is psi''(x), the third derivative of ln Gamma
func tetragamma(x float64) float64 {
	return -2 * mathext.Zeta(3, x)
}

// trigammaInverse solves psi'(y) = x by Newton iteration on the monotone
// decreasing trigamma, with the asymptotic tails handled in closed form.
func trigammaInverse(x float64) float64 {
	if x > 1e7 {
		return 1 / math.Sqrt(x)
	}
	if x < 1e-6 {
		return 1 / x
	}
	y := 0.5 + 1/x
	for i := 0; i < 50; i++ {
		tri := trigamma(y)
		dif := tri * (1 - tri/x) / tetragamma(y)
		y += dif
		if -dif/y < 1e-8 {
			break
		}
	}
	return y
}
