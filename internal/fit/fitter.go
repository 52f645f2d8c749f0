package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/kinetics"
	"gohdx/internal"
)

// Config bounds every fit the same way: an iteration budget, one
// convergence tolerance, and the initial damping of the solver.
type Config struct {
	MaxIterations int
	Tolerance     float64
	Damping       float64
}

// DefaultConfig returns the standard solver settings
func DefaultConfig() Config {
	return Config{
		MaxIterations: 200,
		Tolerance:     1e-8,
		Damping:       defaultDamping,
	}
}

// ModelFitter fits kinetic formulas to feature series. It is stateless
// across calls and safe for concurrent use; each Fit runs its own solver.
type ModelFitter struct {
	cfg Config
	log *internal.Logger
}

// NewModelFitter creates a fitter with the given solver settings
func NewModelFitter(cfg Config, logger *internal.Logger) *ModelFitter {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.Damping <= 0 {
		cfg.Damping = DefaultConfig().Damping
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &ModelFitter{cfg: cfg, log: logger}
}

// Fit estimates a formula on one feature series. Configuration problems
// (empty series, unknown start parameters, broken formulas) come back as
// errors; numerical failures come back as a failed model with a structured
// reason and a nil error, so batch callers can record them and move on.
func (f *ModelFitter) Fit(series hdx.FeatureSeries, formula kinetics.KineticFormula, starts map[kinetics.ParamName]float64) (kinetics.KineticModel, error) {
	if kinetics.FormParams(formula.Kind) == nil {
		return kinetics.KineticModel{}, fmt.Errorf("%w: form %q", core.ErrInvalidFormula, formula.Kind)
	}
	if series.IsEmpty() {
		return kinetics.KineticModel{}, fmt.Errorf("%w: feature %s", core.ErrEmptySeries, series.Feature)
	}
	for name := range starts {
		if !formula.IsFree(name) {
			return kinetics.KineticModel{}, fmt.Errorf("%w: start supplied for non-free parameter %q", core.ErrUnknownParameter, name)
		}
	}

	conditions := series.Conditions()
	layout := formula.Layout(conditions)
	if len(layout) == 0 {
		return kinetics.KineticModel{}, fmt.Errorf("%w: formula has no free parameters", core.ErrInvalidFormula)
	}

	if reason := checkIdentifiable(series, formula, len(layout)); reason != kinetics.FailNone {
		return kinetics.FailedFit(series.Feature, formula, reason, series.Len()), nil
	}

	start, err := f.startVector(series, formula, layout, starts)
	if err != nil {
		return kinetics.KineticModel{}, err
	}

	return f.fitVector(series, formula, conditions, layout, start)
}

// FitSeeded estimates a formula starting from an explicit layout-ordered
// vector. Nested-model callers use this to seed the alternative fit from
// the converged null estimates.
func (f *ModelFitter) FitSeeded(series hdx.FeatureSeries, formula kinetics.KineticFormula, start []float64) (kinetics.KineticModel, error) {
	if series.IsEmpty() {
		return kinetics.KineticModel{}, fmt.Errorf("%w: feature %s", core.ErrEmptySeries, series.Feature)
	}
	conditions := series.Conditions()
	layout := formula.Layout(conditions)
	if len(start) != len(layout) {
		return kinetics.KineticModel{}, fmt.Errorf("%w: seed has %d entries for %d slots", core.ErrInvalidFormula, len(start), len(layout))
	}
	if reason := checkIdentifiable(series, formula, len(layout)); reason != kinetics.FailNone {
		return kinetics.FailedFit(series.Feature, formula, reason, series.Len()), nil
	}
	return f.fitVector(series, formula, conditions, layout, start)
}

// checkIdentifiable applies the data-sufficiency rules: at least as many
// observations as free values, at least as many distinct time points as
// per-curve parameters, and for per-condition formulas the same within
// every condition.
func checkIdentifiable(series hdx.FeatureSeries, formula kinetics.KineticFormula, dim int) kinetics.FailureReason {
	if series.Len() < dim {
		return kinetics.FailInsufficientData
	}
	if len(series.DistinctTimes()) < len(formula.Free) {
		return kinetics.FailInsufficientData
	}
	if len(formula.PerCondition) > 0 {
		need := len(formula.PerCondition)
		for _, obs := range series.ByCondition() {
			if len(obs) < need {
				return kinetics.FailInsufficientData
			}
			times := make(map[float64]bool, len(obs))
			for _, o := range obs {
				times[o.Time] = true
			}
			if len(times) < need {
				return kinetics.FailInsufficientData
			}
		}
	}
	return kinetics.FailNone
}

// startVector assembles the starting point: caller-supplied values win,
// per-condition slots fall back to heuristics over their own condition's
// uptakes, pooled slots over the whole series.
func (f *ModelFitter) startVector(series hdx.FeatureSeries, formula kinetics.KineticFormula, layout []kinetics.ParamSlot, starts map[kinetics.ParamName]float64) ([]float64, error) {
	all := series.Uptakes()
	byCond := series.ByCondition()

	vec := make([]float64, len(layout))
	for i, slot := range layout {
		if v, ok := starts[slot.Name]; ok {
			vec[i] = v
			continue
		}
		uptakes := all
		if slot.Condition != "" {
			obs := byCond[slot.Condition]
			uptakes = make([]float64, len(obs))
			for j, o := range obs {
				uptakes[j] = o.Uptake
			}
		}
		v, err := autoStart(slot.Name, uptakes)
		if err != nil {
			return nil, err
		}
		vec[i] = v
	}
	return vec, nil
}

func (f *ModelFitter) fitVector(series hdx.FeatureSeries, formula kinetics.KineticFormula, conditions []hdx.Condition, layout []kinetics.ParamSlot, start []float64) (kinetics.KineticModel, error) {
	obj, eval := newObjective(series, formula, conditions, layout)
	lower, upper := boundsFor(layout)

	sol, err := Solve(obj, start, Options{
		MaxIterations: f.cfg.MaxIterations,
		Tolerance:     f.cfg.Tolerance,
		Damping:       f.cfg.Damping,
		Lower:         lower,
		Upper:         upper,
	})
	if err != nil {
		reason := kinetics.FailureReasonFromErr(err)
		f.log.Debug("[ModelFitter] feature %s %s fit failed: %v", series.Feature, formula.Kind, err)
		return kinetics.FailedFit(series.Feature, formula, reason, series.Len()), nil
	}

	n := series.Len()
	df := n - len(layout)

	// Fitted values take the same evaluation path as PredictAt, so predicting
	// at the observation times reproduces them bit for bit.
	params := eval.assemble(sol.Theta)
	fitted := make([]float64, n)
	residuals := make([]float64, n)
	for i := range fitted {
		fitted[i] = eval.formula.Value(params[eval.conds[i]], eval.times[i])
		residuals[i] = eval.ys[i] - fitted[i]
	}

	var covariance [][]float64
	if df > 0 {
		sigma2 := sol.RSS / float64(df)
		covariance, err = Covariance(sol.Normal, sigma2)
		if err != nil {
			f.log.Debug("[ModelFitter] feature %s %s covariance failed: %v", series.Feature, formula.Kind, err)
			return kinetics.FailedFit(series.Feature, formula, kinetics.FailSingularJacobian, n), nil
		}
	}

	estimates := make([]kinetics.ParamEstimate, len(layout))
	for i, slot := range layout {
		se := math.NaN()
		if covariance != nil && covariance[i][i] >= 0 {
			se = math.Sqrt(covariance[i][i])
		}
		estimates[i] = kinetics.ParamEstimate{
			Slot:   slot,
			Value:  sol.Theta[i],
			StdErr: core.JSONFloat(se),
		}
	}

	return kinetics.KineticModel{
		Feature:    series.Feature,
		Formula:    formula,
		Conditions: conditions,
		Status:     kinetics.FitConverged,
		Estimates:  estimates,
		Covariance: covariance,
		Fitted:     fitted,
		Residuals:  residuals,
		RSS:        core.JSONFloat(sol.RSS),
		LogLik:     core.JSONFloat(gaussianLogLik(sol.RSS, n)),
		NObs:       n,
		DF:         df,
		Iterations: sol.Iterations,
	}, nil
}

// LayoutVector extracts a model's estimates in another formula's layout
// order, so a pooled solution can seed a per-condition fit: each slot takes
// the converged value of its parameter (per-condition slots inherit the
// pooled estimate), falling back to the fixed value when the seeding model
// held it constant.
func LayoutVector(model kinetics.KineticModel, formula kinetics.KineticFormula, conditions []hdx.Condition) ([]float64, error) {
	layout := formula.Layout(conditions)
	vec := make([]float64, len(layout))
	for i, slot := range layout {
		v, ok := model.ParamValue(slot.Name, slot.Condition)
		if !ok {
			return nil, fmt.Errorf("%w: no seed value for %s", core.ErrMissingStart, slot.String())
		}
		vec[i] = v
	}
	return vec, nil
}

// gaussianLogLik is the maximized Gaussian log-likelihood
// -n/2 * (ln(2*pi) + ln(RSS/n) + 1). An interpolating fit (RSS = 0) yields
// +Inf, which downstream code treats as an infinitely strong fit.
func gaussianLogLik(rss float64, n int) float64 {
	if n <= 0 {
		return math.NaN()
	}
	nf := float64(n)
	return -nf / 2 * (math.Log(2*math.Pi) + math.Log(rss/nf) + 1)
}

// evaluator binds one formula to one series for the solver
type evaluator struct {
	formula kinetics.KineticFormula
	layout  []kinetics.ParamSlot
	times   []float64
	ys      []float64
	conds   []hdx.Condition
	order   []hdx.Condition
}

func newObjective(series hdx.FeatureSeries, formula kinetics.KineticFormula, conditions []hdx.Condition, layout []kinetics.ParamSlot) (Objective, *evaluator) {
	n := series.Len()
	ev := &evaluator{
		formula: formula,
		layout:  layout,
		times:   series.Times(),
		ys:      series.Uptakes(),
		conds:   make([]hdx.Condition, n),
		order:   conditions,
	}
	for i, o := range series.Observations {
		ev.conds[i] = o.Condition
	}

	obj := Objective{
		Dim:       len(layout),
		NObs:      n,
		Residuals: ev.residuals,
		Jacobian:  ev.jacobian,
	}
	return obj, ev
}

// assemble builds the full per-condition parameter assignments for one
// parameter vector.
func (ev *evaluator) assemble(theta []float64) map[hdx.Condition]map[kinetics.ParamName]float64 {
	out := make(map[hdx.Condition]map[kinetics.ParamName]float64, len(ev.order))
	for _, c := range ev.order {
		params := make(map[kinetics.ParamName]float64, len(ev.layout))
		for k, slot := range ev.layout {
			if slot.Condition == "" || slot.Condition == c {
				params[slot.Name] = theta[k]
			}
		}
		out[c] = params
	}
	return out
}

func (ev *evaluator) residuals(theta, out []float64) {
	params := ev.assemble(theta)
	for i := range out {
		out[i] = ev.ys[i] - ev.formula.Value(params[ev.conds[i]], ev.times[i])
	}
}

func (ev *evaluator) jacobian(theta []float64, jac *mat.Dense) {
	params := ev.assemble(theta)
	for i := 0; i < len(ev.times); i++ {
		p := params[ev.conds[i]]
		for k, slot := range ev.layout {
			if slot.Condition != "" && slot.Condition != ev.conds[i] {
				jac.Set(i, k, 0)
				continue
			}
			jac.Set(i, k, ev.formula.Partial(p, slot.Name, ev.times[i]))
		}
	}
}
