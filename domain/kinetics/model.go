package kinetics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
)

// FitStatus reports the terminal state of a fit
type FitStatus string

const (
	FitConverged FitStatus = "converged"
	FitFailed    FitStatus = "failed"
)

// FailureReason classifies why a fit produced no usable model. Fit failures
// are values, not errors: a batch records them and moves on.
type FailureReason string

const (
	FailNone             FailureReason = ""
	FailInsufficientData FailureReason = "insufficient_data"
	FailSingularJacobian FailureReason = "singular_jacobian"
	FailMaxIterations    FailureReason = "max_iterations_exceeded"
	FailDiverged         FailureReason = "solver_divergence"
)

// Err maps a failure reason onto its domain sentinel
func (r FailureReason) Err() error {
	switch r {
	case FailInsufficientData:
		return core.ErrInsufficientData
	case FailSingularJacobian:
		return core.ErrSingularJacobian
	case FailMaxIterations:
		return core.ErrMaxIterations
	case FailDiverged:
		return core.ErrSolverDiverged
	case FailNone:
		return nil
	default:
		return fmt.Errorf("unknown fit failure %q", string(r))
	}
}

// FailureReasonFromErr classifies a solver error into a reason code
func FailureReasonFromErr(err error) FailureReason {
	switch {
	case err == nil:
		return FailNone
	case errors.Is(err, core.ErrInsufficientData):
		return FailInsufficientData
	case errors.Is(err, core.ErrSingularJacobian):
		return FailSingularJacobian
	case errors.Is(err, core.ErrMaxIterations):
		return FailMaxIterations
	case errors.Is(err, core.ErrSolverDiverged):
		return FailDiverged
	default:
		return FailDiverged
	}
}

// ParamEstimate is one estimated value in the flattened layout, with its
// standard error from the covariance diagonal. StdErr is NaN when the fit
// had no residual degrees of freedom.
type ParamEstimate struct {
	Slot   ParamSlot      `json:"slot"`
	Value  float64        `json:"value"`
	StdErr core.JSONFloat `json:"std_err"`
}

// KineticModel is the outcome of fitting one formula to one feature series:
// either a converged model carrying estimates, covariance, fitted values,
// residuals and the Gaussian log-likelihood, or a failed fit carrying a
// structured reason. Fitted values and residuals follow the series
// observation order.
type KineticModel struct {
	Feature    core.FeatureID  `json:"feature"`
	Formula    KineticFormula  `json:"formula"`
	Conditions []hdx.Condition `json:"conditions"`

	Status FitStatus     `json:"status"`
	Reason FailureReason `json:"reason,omitempty"`

	Estimates  []ParamEstimate `json:"estimates,omitempty"`
	Covariance [][]float64     `json:"covariance,omitempty"`
	Fitted     []float64       `json:"fitted,omitempty"`
	Residuals  []float64       `json:"residuals,omitempty"`

	RSS        core.JSONFloat `json:"rss"`
	LogLik     core.JSONFloat `json:"log_lik"`
	NObs       int            `json:"n_obs"`
	DF         int            `json:"df"`
	Iterations int            `json:"iterations"`
}

// FailedFit builds a model in the failed state
func FailedFit(feature core.FeatureID, formula KineticFormula, reason FailureReason, nobs int) KineticModel {
	return KineticModel{
		Feature: feature,
		Formula: formula,
		Status:  FitFailed,
		Reason:  reason,
		NObs:    nobs,
		LogLik:  core.JSONFloat(math.NaN()),
		RSS:     core.JSONFloat(math.NaN()),
	}
}

// Converged reports whether the fit produced a usable model
func (m KineticModel) Converged() bool {
	return m.Status == FitConverged
}

// Deviance returns the residual sum of squares
func (m KineticModel) Deviance() float64 { return float64(m.RSS) }

// Sigma2 returns the residual variance estimate RSS/df, NaN when df <= 0
func (m KineticModel) Sigma2() float64 {
	if m.DF <= 0 {
		return math.NaN()
	}
	return float64(m.RSS) / float64(m.DF)
}

// ParamValue looks up the estimate for a parameter under a condition,
// falling back from the per-condition slot to the pooled slot to the fixed
// value.
func (m KineticModel) ParamValue(name ParamName, cond hdx.Condition) (float64, bool) {
	for _, e := range m.Estimates {
		if e.Slot.Name == name && e.Slot.Condition == cond {
			return e.Value, true
		}
	}
	if cond != "" {
		for _, e := range m.Estimates {
			if e.Slot.Name == name && e.Slot.Condition == "" {
				return e.Value, true
			}
		}
	}
	if v, ok := m.Formula.FixedValue(name); ok {
		return v, true
	}
	return 0, false
}

// paramsFor assembles the full parameter assignment for one condition
func (m KineticModel) paramsFor(cond hdx.Condition) map[ParamName]float64 {
	params := make(map[ParamName]float64, len(FormParams(m.Formula.Kind)))
	for _, p := range FormParams(m.Formula.Kind) {
		if v, ok := m.ParamValue(p, cond); ok {
			params[p] = v
		}
	}
	return params
}

// PredictAt evaluates the fitted curve for one condition at arbitrary times.
// This is the plotting hook: callers pass any time grid they like.
func (m KineticModel) PredictAt(cond hdx.Condition, times []float64) ([]float64, error) {
	if !m.Converged() {
		return nil, fmt.Errorf("%w: cannot predict from a failed fit", m.Reason.Err())
	}
	params := m.paramsFor(cond)
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = m.Formula.Value(params, t)
	}
	return out, nil
}

// CovarianceAt returns the covariance between two layout slots
func (m KineticModel) CovarianceAt(i, j int) (float64, bool) {
	if i < 0 || j < 0 || i >= len(m.Covariance) || j >= len(m.Covariance) {
		return 0, false
	}
	row := m.Covariance[i]
	if j >= len(row) {
		return 0, false
	}
	return row[j], true
}

// SlotIndex finds the layout index of a slot, -1 when absent
func (m KineticModel) SlotIndex(name ParamName, cond hdx.Condition) int {
	for i, e := range m.Estimates {
		if e.Slot.Name == name && e.Slot.Condition == cond {
			return i
		}
	}
	return -1
}

// Summary renders a compact human-readable coefficient table
func (m KineticModel) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "feature %s form %s status %s", m.Feature, m.Formula.Kind, m.Status)
	if m.Status == FitFailed {
		fmt.Fprintf(&b, " reason %s (n=%d)\n", m.Reason, m.NObs)
		return b.String()
	}
	fmt.Fprintf(&b, " n=%d df=%d rss=%.6g logLik=%.6g iter=%d\n", m.NObs, m.DF, float64(m.RSS), float64(m.LogLik), m.Iterations)
	for _, e := range m.Estimates {
		fmt.Fprintf(&b, "  %-12s %12.6g  se %.6g\n", e.Slot.String(), e.Value, e.StdErr)
	}
	return b.String()
}
