package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gohdx/domain/core"
	"gohdx/domain/kinetics"
	"gohdx/domain/stats"
	"gohdx/internal"
	"gohdx/internal/analysis"
	"gohdx/internal/fit"
	"gohdx/ports"
)

// Request describes one batch: which features to test, where their series
// come from, and the nested formula pair every feature is fitted under.
type Request struct {
	Features    []core.FeatureID
	Source      ports.SeriesSource
	NullFormula kinetics.KineticFormula
	AltFormula  kinetics.KineticFormula
	Starts      map[kinetics.ParamName]float64
}

// Outcome is the join-point product of a batch: exactly one unit per
// requested feature in request order, plus a diagnostic per failed unit in
// the same order. Moderation and testing start from here.
type Outcome struct {
	Units       []*analysis.TestUnit
	Diagnostics []stats.FitDiagnostic
	Elapsed     time.Duration
}

// VarianceSamples extracts the tested units' residual variances for
// moderation, in unit order.
func (o *Outcome) VarianceSamples() []analysis.VarianceSample {
	samples := make([]analysis.VarianceSample, 0, len(o.Units))
	for _, u := range o.Units {
		if !u.Tested() {
			continue
		}
		v, df := u.VarianceSample()
		samples = append(samples, analysis.VarianceSample{Feature: u.Feature, Var: v, DF: float64(df)})
	}
	return samples
}

// TestedCount returns how many units carry both converged fits
func (o *Outcome) TestedCount() int {
	n := 0
	for _, u := range o.Units {
		if u.Tested() {
			n++
		}
	}
	return n
}

// Runner fans per-feature fitting out over a bounded worker pool. Each
// worker owns its series slice exclusively and writes one immutable unit
// into an index-addressed slot, so results keep request order no matter
// when workers finish and no locking is needed during fitting.
type Runner struct {
	fitter      *fit.ModelFitter
	concurrency int64
	log         *internal.Logger
}

// NewRunner creates a runner; concurrency <= 0 means one worker per CPU
func NewRunner(fitter *fit.ModelFitter, concurrency int, logger *internal.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Runner{fitter: fitter, concurrency: int64(concurrency), log: logger}
}

// Concurrency returns the resolved worker-pool size
func (r *Runner) Concurrency() int {
	return int(r.concurrency)
}

// Run processes every requested feature and never lets one feature's
// failure abort the rest: fit failures and per-feature configuration
// problems become failed units with diagnostics. Only a non-nested formula
// pair (checked once, before any fitting) or context cancellation fails the
// whole batch.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Source == nil {
		return nil, fmt.Errorf("batch request without a series source")
	}
	if err := analysis.ValidateNested(req.NullFormula, req.AltFormula); err != nil {
		return nil, fmt.Errorf("formula configuration: %w", err)
	}

	started := time.Now()
	units := make([]*analysis.TestUnit, len(req.Features))

	sem := semaphore.NewWeighted(r.concurrency)
	var wg sync.WaitGroup
	var aborted error

	for i, feature := range req.Features {
		if err := sem.Acquire(ctx, 1); err != nil {
			aborted = err
			break
		}
		wg.Add(1)
		go func(idx int, f core.FeatureID) {
			defer wg.Done()
			defer sem.Release(1)
			units[idx] = r.processFeature(ctx, req, f)
		}(i, feature)
	}
	wg.Wait()

	if aborted != nil {
		return nil, fmt.Errorf("batch aborted after %d of %d features: %w",
			launched(units), len(req.Features), aborted)
	}

	diags := make([]stats.FitDiagnostic, 0)
	for _, u := range units {
		if d, failed := u.Diagnostic(); failed {
			diags = append(diags, d)
		}
	}

	outcome := &Outcome{Units: units, Diagnostics: diags, Elapsed: time.Since(started)}
	r.log.Info("[BatchRunner] %d features: %d tested, %d failed in %s",
		len(units), outcome.TestedCount(), len(diags), outcome.Elapsed.Round(time.Millisecond))
	return outcome, nil
}

// processFeature resolves one feature's series and builds its unit. Lookup
// and validation errors reserve a failed unit so the row count still matches
// the request.
func (r *Runner) processFeature(ctx context.Context, req Request, feature core.FeatureID) *analysis.TestUnit {
	series, err := req.Source.Series(ctx, feature)
	if err != nil {
		r.log.Debug("[BatchRunner] feature %s series lookup failed: %v", feature, err)
		return analysis.FailedUnit(feature, stats.StageValidation, stats.ReasonFromError(err), err.Error(), 0)
	}

	unit := analysis.BuildUnit(r.fitter, series, req.NullFormula, req.AltFormula, req.Starts)
	if unit.Tested() {
		r.log.Trace("[BatchRunner] feature %s tested (LR=%.4g, df=%d)", feature, unit.LR(), unit.DFDiff())
	} else {
		r.log.Debug("[BatchRunner] feature %s failed at %s: %s", feature, unit.Stage, unit.Reason)
	}
	return unit
}

func launched(units []*analysis.TestUnit) int {
	n := 0
	for _, u := range units {
		if u != nil {
			n++
		}
	}
	return n
}
