package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/domain/kinetics"
)

// ============================================================================
// STABLE PRIMITIVES (Canonical, never change)
// ============================================================================

// TestStatus marks whether a feature made it through both fits
type TestStatus string

const (
	StatusTested    TestStatus = "tested"
	StatusNotTested TestStatus = "not_tested"
)

// ReasonCode classifies why a feature was not tested. Fit reasons mirror
// kinetics.FailureReason; the rest are configuration problems caught before
// or between fits.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonEmptySeries      ReasonCode = "empty_series"
	ReasonInvalidSeries    ReasonCode = "invalid_series"
	ReasonInvalidFormula   ReasonCode = "invalid_formula"
	ReasonNotNested        ReasonCode = "not_nested"
	ReasonNoContrast       ReasonCode = "no_condition_contrast"
	ReasonMissingStart     ReasonCode = "missing_start"
	ReasonInsufficientData ReasonCode = "insufficient_data"
	ReasonSingularJacobian ReasonCode = "singular_jacobian"
	ReasonMaxIterations    ReasonCode = "max_iterations_exceeded"
	ReasonDiverged         ReasonCode = "solver_divergence"
)

// ReasonFromFailure maps a fit failure onto its reason code
func ReasonFromFailure(r kinetics.FailureReason) ReasonCode {
	switch r {
	case kinetics.FailInsufficientData:
		return ReasonInsufficientData
	case kinetics.FailSingularJacobian:
		return ReasonSingularJacobian
	case kinetics.FailMaxIterations:
		return ReasonMaxIterations
	case kinetics.FailDiverged:
		return ReasonDiverged
	default:
		return ReasonNone
	}
}

// ReasonFromError classifies a per-feature error from series lookup or
// fitting into a reason code. Unknown errors map to ReasonInvalidSeries so
// that every recorded failure carries a usable code.
func ReasonFromError(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, core.ErrEmptySeries):
		return ReasonEmptySeries
	case errors.Is(err, core.ErrNotNested):
		return ReasonNotNested
	case errors.Is(err, core.ErrInvalidFormula), errors.Is(err, core.ErrUnknownParameter):
		return ReasonInvalidFormula
	case errors.Is(err, core.ErrMissingStart):
		return ReasonMissingStart
	case errors.Is(err, core.ErrInsufficientData):
		return ReasonInsufficientData
	case errors.Is(err, core.ErrSingularJacobian):
		return ReasonSingularJacobian
	case errors.Is(err, core.ErrMaxIterations):
		return ReasonMaxIterations
	case errors.Is(err, core.ErrSolverDiverged):
		return ReasonDiverged
	default:
		return ReasonInvalidSeries
	}
}

// FitStage names the pipeline step a diagnostic refers to
type FitStage string

const (
	StageValidation  FitStage = "validation"
	StageNull        FitStage = "null"
	StageAlternative FitStage = "alternative"
)

// FDRMethod selects the multiplicity correction
type FDRMethod string

const (
	FDRBenjaminiHochberg  FDRMethod = "BH"
	FDRBenjaminiYekutieli FDRMethod = "BY"
)

// Valid reports whether the method is known
func (m FDRMethod) Valid() bool {
	return m == FDRBenjaminiHochberg || m == FDRBenjaminiYekutieli
}

// ============================================================================
// DIAGNOSTICS
// ============================================================================

// FitDiagnostic records why one feature dropped out of testing. A batch
// produces exactly one diagnostic per untested feature, in input order.
type FitDiagnostic struct {
	Feature    core.FeatureID `json:"feature"`
	Stage      FitStage       `json:"stage"`
	Reason     ReasonCode     `json:"reason"`
	Detail     string         `json:"detail,omitempty"`
	NObs       int            `json:"n_obs"`
	RecordedAt core.Timestamp `json:"recorded_at"`
}

// NewFitDiagnostic builds a diagnostic stamped with the current time
func NewFitDiagnostic(feature core.FeatureID, stage FitStage, reason ReasonCode, detail string, nobs int) FitDiagnostic {
	return FitDiagnostic{
		Feature:    feature,
		Stage:      stage,
		Reason:     reason,
		Detail:     detail,
		NObs:       nobs,
		RecordedAt: core.Now(),
	}
}

// ============================================================================
// RESULT ROWS
// ============================================================================

// EffectEstimate is one condition-difference parameter from the alternative
// fit: the estimate of param under Condition minus under Reference, with its
// standard error and confidence bounds. The bounds are NaN when the fit had
// no residual degrees of freedom to estimate them from.
type EffectEstimate struct {
	Param     kinetics.ParamName `json:"param"`
	Condition hdx.Condition      `json:"condition"`
	Reference hdx.Condition      `json:"reference"`
	Estimate  float64            `json:"estimate"`
	StdErr    core.JSONFloat     `json:"std_err"`
	Lower     core.JSONFloat     `json:"lower"`
	Upper     core.JSONFloat     `json:"upper"`
}

// ResultRow is one line of the final table: exactly one per requested
// feature.
// INVARIANTS:
// - tested rows carry finite LRStat >= 0 and PValue, QValue in [0, 1]
// - untested rows carry a ReasonCode and NaN statistics
type ResultRow struct {
	Feature core.FeatureID `json:"feature"`
	Status  TestStatus     `json:"status"`
	Reason  ReasonCode     `json:"reason,omitempty"`

	NObs       int `json:"n_obs"`
	Conditions int `json:"conditions"`

	LRStat  core.JSONFloat `json:"lr_stat"`
	DFNum   int            `json:"df_num"`
	DFDenom core.JSONFloat `json:"df_denom"` // residual df of the reference distribution; +Inf under the chi-squared limit
	PValue  core.JSONFloat `json:"p_value"`
	QValue  core.JSONFloat `json:"q_value"`

	Moderated   bool           `json:"moderated"`
	ResidualVar core.JSONFloat `json:"residual_var"`
	NullLogLik  core.JSONFloat `json:"null_log_lik"`
	AltLogLik   core.JSONFloat `json:"alt_log_lik"`

	Effects []EffectEstimate `json:"effects,omitempty"`
}

// NotTestedRow builds the reserved row for a feature that failed out
func NotTestedRow(feature core.FeatureID, reason ReasonCode, nobs int) ResultRow {
	nan := core.JSONFloat(math.NaN())
	return ResultRow{
		Feature:     feature,
		Status:      StatusNotTested,
		Reason:      reason,
		NObs:        nobs,
		LRStat:      nan,
		DFDenom:     nan,
		PValue:      nan,
		QValue:      nan,
		ResidualVar: nan,
		NullLogLik:  nan,
		AltLogLik:   nan,
	}
}

// Validate checks the row invariants
func (r ResultRow) Validate() error {
	if r.Feature.String() == "" {
		return fmt.Errorf("result row without feature ID")
	}
	switch r.Status {
	case StatusTested:
		if r.LRStat.IsNaN() || float64(r.LRStat) < 0 {
			return fmt.Errorf("tested row %s: LR statistic %v", r.Feature, float64(r.LRStat))
		}
		p := float64(r.PValue)
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("tested row %s: p-value %v outside [0,1]", r.Feature, p)
		}
		if r.DFNum < 1 {
			return fmt.Errorf("tested row %s: numerator df %d", r.Feature, r.DFNum)
		}
	case StatusNotTested:
		if r.Reason == ReasonNone {
			return fmt.Errorf("untested row %s without reason", r.Feature)
		}
	default:
		return fmt.Errorf("row %s: unknown status %q", r.Feature, r.Status)
	}
	return nil
}

// ============================================================================
// RESULT TABLE
// ============================================================================

// ResultTable is the terminal output of a run: one row per requested
// feature, in the caller's request order.
type ResultTable struct {
	RunID     core.RunID     `json:"run_id"`
	Rows      []ResultRow    `json:"rows"`
	Alpha     float64        `json:"alpha"`
	Method    FDRMethod      `json:"fdr_method"`
	CreatedAt core.Timestamp `json:"created_at"`
}

// NewResultTable assembles and validates a table
func NewResultTable(runID core.RunID, rows []ResultRow, alpha float64, method FDRMethod) (*ResultTable, error) {
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0,1), got %g", alpha)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown FDR method %q", method)
	}
	seen := make(map[core.FeatureID]bool, len(rows))
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return nil, err
		}
		if seen[row.Feature] {
			return nil, fmt.Errorf("duplicate result row for feature %s", row.Feature)
		}
		seen[row.Feature] = true
	}
	return &ResultTable{
		RunID:     runID,
		Rows:      rows,
		Alpha:     alpha,
		Method:    method,
		CreatedAt: core.Now(),
	}, nil
}

// Len returns the number of rows
func (t *ResultTable) Len() int { return len(t.Rows) }

// TestedCount returns how many rows carry a usable test
func (t *ResultTable) TestedCount() int {
	n := 0
	for _, r := range t.Rows {
		if r.Status == StatusTested {
			n++
		}
	}
	return n
}

// NotTestedCount returns how many rows were reserved untested
func (t *ResultTable) NotTestedCount() int {
	return len(t.Rows) - t.TestedCount()
}

// Row finds a feature's row
func (t *ResultTable) Row(feature core.FeatureID) (ResultRow, bool) {
	for _, r := range t.Rows {
		if r.Feature == feature {
			return r, true
		}
	}
	return ResultRow{}, false
}

// Significant lists features with q-value <= the table's alpha, sorted by
// q-value then feature ID for a stable report order.
func (t *ResultTable) Significant() []core.FeatureID {
	type hit struct {
		feature core.FeatureID
		q       float64
	}
	hits := make([]hit, 0, len(t.Rows))
	for _, r := range t.Rows {
		if r.Status != StatusTested {
			continue
		}
		q := float64(r.QValue)
		if !math.IsNaN(q) && q <= t.Alpha {
			hits = append(hits, hit{feature: r.Feature, q: q})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].q != hits[j].q {
			return hits[i].q < hits[j].q
		}
		return hits[i].feature < hits[j].feature
	})
	out := make([]core.FeatureID, len(hits))
	for i, h := range hits {
		out[i] = h.feature
	}
	return out
}

// Fingerprint computes a deterministic hash over the table content
func (t *ResultTable) Fingerprint() core.TableFingerprint {
	rows := make(map[string]string, len(t.Rows))
	for _, r := range t.Rows {
		rows[r.Feature.String()] = fmt.Sprintf("%s|%s|%.12g|%.12g|%.12g",
			r.Status, r.Reason, float64(r.LRStat), float64(r.PValue), float64(r.QValue))
	}
	return core.ComputeTableFingerprint(rows)
}

// ============================================================================
// MODERATION STATE
// ============================================================================

// FeatureModeration carries one feature's raw and squeezed variance
type FeatureModeration struct {
	RawVar  float64        `json:"raw_var"`
	RawDF   float64        `json:"raw_df"`
	PostVar float64        `json:"post_var"`
	PostDF  core.JSONFloat `json:"post_df"`
	// UsedInPrior marks variances that informed the prior fit; excluded
	// features (zero variance, no residual df) still get a posterior.
	UsedInPrior bool `json:"used_in_prior"`
}

// ModerationState is the explicit outcome of the empirical-Bayes step: the
// fitted scaled inverse-chi-squared prior and every feature's squeezed
// variance. PriorDF may be +Inf when the observed variances are
// under-dispersed relative to their chi-squared sampling noise.
type ModerationState struct {
	PriorVar float64        `json:"prior_var"`
	PriorDF  core.JSONFloat `json:"prior_df"`

	Features map[core.FeatureID]FeatureModeration `json:"features"`

	UsedFeatures    int            `json:"used_features"`
	ExcludedZeroVar int            `json:"excluded_zero_var"`
	ExcludedNoDF    int            `json:"excluded_no_df"`
	CreatedAt       core.Timestamp `json:"created_at"`
}

// For looks up a feature's moderation
func (s *ModerationState) For(feature core.FeatureID) (FeatureModeration, bool) {
	if s == nil {
		return FeatureModeration{}, false
	}
	m, ok := s.Features[feature]
	return m, ok
}

// FinitePrior reports whether the prior df is finite
func (s *ModerationState) FinitePrior() bool {
	return s != nil && !s.PriorDF.IsInf()
}

// ============================================================================
// BATCH MANIFEST (Complete audit trail)
// ============================================================================

// BatchManifest captures the complete settings and outcome of one run
type BatchManifest struct {
	RunID   core.RunID   `json:"run_id"`
	BatchID core.BatchID `json:"batch_id"`

	NullFormula kinetics.KineticFormula `json:"null_formula"`
	AltFormula  kinetics.KineticFormula `json:"alt_formula"`

	RequestedFeatures int `json:"requested_features"`
	TestedFeatures    int `json:"tested_features"`
	UntestedFeatures  int `json:"untested_features"`

	Concurrency   int       `json:"concurrency"`
	MaxIterations int       `json:"max_iterations"`
	Tolerance     float64   `json:"tolerance"`
	Alpha         float64   `json:"alpha"`
	Method        FDRMethod `json:"fdr_method"`
	Moderated     bool      `json:"moderated"`

	ReasonCounts map[ReasonCode]int `json:"reason_counts"`

	RuntimeMs   int64                 `json:"runtime_ms"`
	Fingerprint core.TableFingerprint `json:"fingerprint"`
	CreatedAt   core.Timestamp        `json:"created_at"`
}

// NewBatchManifest seeds a manifest for a starting run
func NewBatchManifest(runID core.RunID, null, alt kinetics.KineticFormula) *BatchManifest {
	return &BatchManifest{
		RunID:        runID,
		BatchID:      core.NewBatchID(),
		NullFormula:  null,
		AltFormula:   alt,
		ReasonCounts: make(map[ReasonCode]int),
		CreatedAt:    core.Now(),
	}
}

// Finish fills the outcome side of the manifest from the final table
func (m *BatchManifest) Finish(table *ResultTable, diags []FitDiagnostic, startedAt core.Timestamp) {
	m.RequestedFeatures = table.Len()
	m.TestedFeatures = table.TestedCount()
	m.UntestedFeatures = table.NotTestedCount()
	for _, d := range diags {
		m.ReasonCounts[d.Reason]++
	}
	m.RuntimeMs = startedAt.MillisSince()
	m.Fingerprint = table.Fingerprint()
}
