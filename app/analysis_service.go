package app

import (
	"context"
	"fmt"

	"gohdx/domain/core"
	"gohdx/domain/kinetics"
	"gohdx/domain/stats"
	"gohdx/internal"
	"gohdx/internal/analysis"
	"gohdx/internal/batch"
	"gohdx/internal/config"
	"gohdx/internal/fit"
	"gohdx/ports"
)

// AnalysisService drives one differential-uptake run end to end: fit every
// requested feature under the nested formula pair, moderate the residual
// variances across the batch, score and correct the results, and persist the
// audited outputs through the ledger port.
type AnalysisService struct {
	runner     *batch.Runner
	moderator  *analysis.Moderator
	engine     *analysis.SignificanceEngine
	ledger     ports.LedgerWriterPort
	moderation bool
	solver     config.SolverConfig
	alpha      float64
	method     stats.FDRMethod
	log        *internal.Logger
}

// AnalysisRequest defines the inputs for one deterministic run
type AnalysisRequest struct {
	Features    []core.FeatureID
	Source      ports.SeriesSource
	NullFormula kinetics.KineticFormula
	AltFormula  kinetics.KineticFormula
	Starts      map[kinetics.ParamName]float64
	RunID       core.RunID // optional, generated when empty
}

// AnalysisResult contains the complete output of a run
type AnalysisResult struct {
	RunID       core.RunID            `json:"run_id"`
	Table       *stats.ResultTable    `json:"table"`
	Units       []*analysis.TestUnit  `json:"-"`
	Diagnostics []stats.FitDiagnostic `json:"diagnostics"`
	Moderation  *stats.ModerationState `json:"moderation,omitempty"`
	Manifest    *stats.BatchManifest  `json:"manifest"`
	RuntimeMs   int64                 `json:"runtime_ms"`
}

// NewAnalysisService assembles the pipeline from configuration. A nil ledger
// means results live only in the returned AnalysisResult.
func NewAnalysisService(cfg *config.Config, ledger ports.LedgerWriterPort, logger *internal.Logger) (*AnalysisService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("analysis service requires a configuration")
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}

	fitter := fit.NewModelFitter(fit.Config{
		MaxIterations: cfg.Solver.MaxIterations,
		Tolerance:     cfg.Solver.Tolerance,
		Damping:       cfg.Solver.Damping,
	}, logger)

	engine, err := analysis.NewSignificanceEngine(cfg.Significance.Alpha, cfg.Significance.Method, logger)
	if err != nil {
		return nil, fmt.Errorf("significance settings: %w", err)
	}

	return &AnalysisService{
		runner:     batch.NewRunner(fitter, cfg.Batch.Concurrency, logger),
		moderator:  analysis.NewModerator(logger),
		engine:     engine,
		ledger:     ledger,
		moderation: cfg.Significance.Moderation,
		solver:     cfg.Solver,
		alpha:      cfg.Significance.Alpha,
		method:     cfg.Significance.Method,
		log:        logger,
	}, nil
}

// Run executes one complete run with full audit trail. Per-feature failures
// surface as diagnostics inside the result, never as an error; the error
// return is reserved for batch-level problems (bad formula pair, cancelled
// context, ledger write failures).
func (s *AnalysisService) Run(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	startedAt := core.Now()

	runID := req.RunID
	if runID == "" {
		runID = core.NewRunID()
	}

	manifest := stats.NewBatchManifest(runID, req.NullFormula, req.AltFormula)
	manifest.Concurrency = s.runner.Concurrency()
	manifest.MaxIterations = s.solver.MaxIterations
	manifest.Tolerance = s.solver.Tolerance
	manifest.Alpha = s.alpha
	manifest.Method = s.method

	outcome, err := s.runner.Run(ctx, batch.Request{
		Features:    req.Features,
		Source:      req.Source,
		NullFormula: req.NullFormula,
		AltFormula:  req.AltFormula,
		Starts:      req.Starts,
	})
	if err != nil {
		return nil, fmt.Errorf("batch execution failed: %w", err)
	}

	state := s.moderate(outcome)
	manifest.Moderated = state != nil

	table, err := s.engine.Test(runID, outcome.Units, state)
	if err != nil {
		return nil, fmt.Errorf("significance testing failed: %w", err)
	}

	manifest.Finish(table, outcome.Diagnostics, startedAt)

	if err := s.persist(ctx, runID, table, outcome.Diagnostics, state, manifest); err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		RunID:       runID,
		Table:       table,
		Units:       outcome.Units,
		Diagnostics: outcome.Diagnostics,
		Moderation:  state,
		Manifest:    manifest,
		RuntimeMs:   manifest.RuntimeMs,
	}

	s.log.Info("[AnalysisService] run %s: %d requested, %d tested, %d significant at alpha=%g in %dms",
		runID, table.Len(), table.TestedCount(), len(table.Significant()), s.alpha, result.RuntimeMs)
	return result, nil
}

// moderate fits the variance prior when moderation is enabled. Batches too
// small or too degenerate to carry a prior fall back to unmoderated testing
// with a warning; any other moderation failure also falls back rather than
// discarding an otherwise complete run.
func (s *AnalysisService) moderate(outcome *batch.Outcome) *stats.ModerationState {
	if !s.moderation {
		return nil
	}
	state, err := s.moderator.Moderate(outcome.VarianceSamples())
	if err != nil {
		if core.IsModerationError(err) {
			s.log.Warn("[AnalysisService] moderation unavailable, testing unmoderated: %v", err)
		} else {
			s.log.Error("[AnalysisService] moderation failed, testing unmoderated: %v", err)
		}
		return nil
	}
	return state
}

// persist writes the run outputs through the ledger port in dependency
// order: table first so the run row exists, then the per-run attachments.
func (s *AnalysisService) persist(ctx context.Context, runID core.RunID, table *stats.ResultTable, diags []stats.FitDiagnostic, state *stats.ModerationState, manifest *stats.BatchManifest) error {
	if s.ledger == nil {
		return nil
	}
	if err := s.ledger.StoreResultTable(ctx, table); err != nil {
		return fmt.Errorf("failed to store result table: %w", err)
	}
	if err := s.ledger.StoreDiagnostics(ctx, runID, diags); err != nil {
		return fmt.Errorf("failed to store diagnostics: %w", err)
	}
	if state != nil {
		if err := s.ledger.StoreModeration(ctx, runID, state); err != nil {
			return fmt.Errorf("failed to store moderation state: %w", err)
		}
	}
	if err := s.ledger.StoreManifest(ctx, manifest); err != nil {
		return fmt.Errorf("failed to store batch manifest: %w", err)
	}
	return nil
}
