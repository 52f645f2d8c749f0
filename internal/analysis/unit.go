package analysis

import (
	"fmt"
	"math"
	"strings"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/kinetics"
	"gohdx/domain/stats"
	"gohdx/internal/fit"
)

// TestUnit pairs the null and alternative fits of one feature over the same
// series slice. A unit is either tested (both fits converged, alternative
// seeded from the null so the likelihood ordering holds structurally) or
// failed with the first reason encountered; failed units still reserve a row
// in the result table.
type TestUnit struct {
	Feature core.FeatureID    `json:"feature"`
	Series  hdx.FeatureSeries `json:"-"`

	Null kinetics.KineticModel `json:"null"`
	Alt  kinetics.KineticModel `json:"alt"`

	Status stats.TestStatus `json:"status"`
	Stage  stats.FitStage   `json:"stage,omitempty"`
	Reason stats.ReasonCode `json:"reason,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

// ValidateNested checks the formula pair once per batch: the null must nest
// in the alternative and the alternative must add at least one way to grow.
// Returns a configuration error suitable for failing fast before any fit.
func ValidateNested(null, alt kinetics.KineticFormula) error {
	if kinetics.FormParams(null.Kind) == nil {
		return fmt.Errorf("%w: null form %q", core.ErrInvalidFormula, null.Kind)
	}
	if kinetics.FormParams(alt.Kind) == nil {
		return fmt.Errorf("%w: alternative form %q", core.ErrInvalidFormula, alt.Kind)
	}
	if err := null.NestedIn(alt); err != nil {
		return err
	}
	if len(alt.Free) == len(null.Free) && len(alt.PerCondition) == len(null.PerCondition) {
		return core.NewNestingError("alternative adds no parameters over the null")
	}
	return nil
}

// FailedUnit reserves a unit for a feature that never reached fitting, e.g.
// a series lookup or validation failure.
func FailedUnit(feature core.FeatureID, stage stats.FitStage, reason stats.ReasonCode, detail string, nobs int) *TestUnit {
	return &TestUnit{
		Feature: feature,
		Status:  stats.StatusNotTested,
		Stage:   stage,
		Reason:  reason,
		Detail:  detail,
		Series:  hdx.FeatureSeries{Feature: feature},
		Null:    kinetics.KineticModel{Feature: feature, NObs: nobs},
		Alt:     kinetics.KineticModel{Feature: feature, NObs: nobs},
	}
}

// BuildUnit fits the null and then the alternative model on one series. The
// alternative is seeded from the converged null estimates, so with the
// solver's descent-only accept rule the alternative residual sum of squares
// never exceeds the null's. Every failure mode comes back as a failed unit,
// never as an error; batch callers record the unit and move on.
func BuildUnit(fitter *fit.ModelFitter, series hdx.FeatureSeries, nullFormula, altFormula kinetics.KineticFormula, starts map[kinetics.ParamName]float64) *TestUnit {
	feature := series.Feature

	if err := ValidateNested(nullFormula, altFormula); err != nil {
		return FailedUnit(feature, stats.StageValidation, stats.ReasonFromError(err), err.Error(), series.Len())
	}

	nullModel, err := fitter.Fit(series, nullFormula, starts)
	if err != nil {
		return FailedUnit(feature, stats.StageNull, stats.ReasonFromError(err), err.Error(), series.Len())
	}
	if !nullModel.Converged() {
		u := FailedUnit(feature, stats.StageNull, stats.ReasonFromFailure(nullModel.Reason), "", series.Len())
		u.Null = nullModel
		return u
	}

	conditions := series.Conditions()
	added := len(altFormula.Layout(conditions)) - len(nullModel.Estimates)
	if added < 1 {
		u := FailedUnit(feature, stats.StageValidation, stats.ReasonNoContrast,
			fmt.Sprintf("alternative adds %d parameters over %d conditions", added, len(conditions)), series.Len())
		u.Null = nullModel
		return u
	}

	seed, err := fit.LayoutVector(nullModel, altFormula, conditions)
	if err != nil {
		u := FailedUnit(feature, stats.StageAlternative, stats.ReasonFromError(err), err.Error(), series.Len())
		u.Null = nullModel
		return u
	}

	altModel, err := fitter.FitSeeded(series, altFormula, seed)
	if err != nil {
		u := FailedUnit(feature, stats.StageAlternative, stats.ReasonFromError(err), err.Error(), series.Len())
		u.Null = nullModel
		return u
	}
	if !altModel.Converged() {
		u := FailedUnit(feature, stats.StageAlternative, stats.ReasonFromFailure(altModel.Reason), "", series.Len())
		u.Null = nullModel
		u.Alt = altModel
		return u
	}

	return &TestUnit{
		Feature: feature,
		Series:  series,
		Null:    nullModel,
		Alt:     altModel,
		Status:  stats.StatusTested,
	}
}

// Tested reports whether both fits converged
func (u *TestUnit) Tested() bool { return u.Status == stats.StatusTested }

// NObs returns the number of observations both models were fitted on
func (u *TestUnit) NObs() int { return u.Null.NObs }

// LR returns the likelihood-ratio statistic 2*(logLik_alt - logLik_null).
// The seeded alternative fit makes this non-negative up to float noise,
// which is clamped at zero. Two interpolating fits compare as zero.
func (u *TestUnit) LR() float64 {
	if !u.Tested() {
		return math.NaN()
	}
	a, n := float64(u.Alt.LogLik), float64(u.Null.LogLik)
	if math.IsInf(a, 1) && math.IsInf(n, 1) {
		return 0
	}
	lr := 2 * (a - n)
	if lr < 0 {
		return 0
	}
	return lr
}

// DFDiff returns the numerator degrees of freedom: how many estimated values
// the alternative adds over the null.
func (u *TestUnit) DFDiff() int {
	return len(u.Alt.Estimates) - len(u.Null.Estimates)
}

// RSSDrop returns the reduction in residual sum of squares from null to
// alternative, clamped at zero.
func (u *TestUnit) RSSDrop() float64 {
	if !u.Tested() {
		return math.NaN()
	}
	drop := float64(u.Null.RSS) - float64(u.Alt.RSS)
	if drop < 0 {
		return 0
	}
	return drop
}

// VarianceSample returns the alternative model's residual variance and
// degrees of freedom, the per-feature inputs to empirical-Bayes moderation.
func (u *TestUnit) VarianceSample() (variance float64, df int) {
	return u.Alt.Sigma2(), u.Alt.DF
}

// Diagnostic renders the unit's failure as a batch diagnostic entry
func (u *TestUnit) Diagnostic() (stats.FitDiagnostic, bool) {
	if u.Tested() {
		return stats.FitDiagnostic{}, false
	}
	return stats.NewFitDiagnostic(u.Feature, u.Stage, u.Reason, u.Detail, u.NObs()), true
}

// Summary renders the paired-fit diagnostics as text: both coefficient
// tables plus the model comparison line.
func (u *TestUnit) Summary() string {
	var b strings.Builder
	if !u.Tested() {
		fmt.Fprintf(&b, "feature %s not tested: stage %s reason %s", u.Feature, u.Stage, u.Reason)
		if u.Detail != "" {
			fmt.Fprintf(&b, " (%s)", u.Detail)
		}
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString("null:        ")
	b.WriteString(u.Null.Summary())
	b.WriteString("alternative: ")
	b.WriteString(u.Alt.Summary())
	fmt.Fprintf(&b, "LR=%.6g df=%d rss_drop=%.6g\n", u.LR(), u.DFDiff(), u.RSSDrop())
	return b.String()
}
