package analysis

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"gohdx/domain/core"
	"gohdx/domain/kinetics"
	"gohdx/domain/stats"
	"gohdx/internal"
)

// SignificanceEngine converts paired fits into the final result table: a
// likelihood-ratio statistic per tested unit, a p-value from the matching
// reference distribution, and a multiplicity correction across all tested
// features. Untested units keep their reserved rows with NaN statistics.
type SignificanceEngine struct {
	alpha  float64
	method stats.FDRMethod
	log    *internal.Logger
}

// NewSignificanceEngine validates the testing settings once
func NewSignificanceEngine(alpha float64, method stats.FDRMethod, logger *internal.Logger) (*SignificanceEngine, error) {
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0,1), got %g", alpha)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown FDR method %q", method)
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &SignificanceEngine{alpha: alpha, method: method, log: logger}, nil
}

// Test scores every unit and assembles the result table in unit order. With
// moderation the p-value comes from the moderated F statistic
// ((RSS_null-RSS_alt)/q) / s̃² against F(q, d̃), collapsing to the
// chi-squared limit when the prior df is infinite; without moderation the
// asymptotic LR ~ chi-squared(q) reference is used directly. The correction
// runs across tested rows only.
func (e *SignificanceEngine) Test(runID core.RunID, units []*TestUnit, moderation *stats.ModerationState) (*stats.ResultTable, error) {
	rows := make([]stats.ResultRow, len(units))
	for i, u := range units {
		rows[i] = e.scoreUnit(u, moderation)
	}

	tested := applyFDR(rows, e.method)
	if tested == 0 {
		e.log.Warn("[SignificanceEngine] no tested features; result table is all not-tested rows")
	} else {
		e.log.Info("[SignificanceEngine] tested %d of %d features (alpha=%g, fdr=%s, moderated=%v)",
			tested, len(units), e.alpha, e.method, moderation != nil)
	}

	return stats.NewResultTable(runID, rows, e.alpha, e.method)
}

// scoreUnit builds one row. Moderation is applied when a state is supplied
// and carries this feature; a tested unit missing from the state falls back
// to its own variance with a warning rather than dropping out.
func (e *SignificanceEngine) scoreUnit(u *TestUnit, moderation *stats.ModerationState) stats.ResultRow {
	if !u.Tested() {
		return stats.NotTestedRow(u.Feature, u.Reason, u.NObs())
	}

	q := u.DFDiff()
	if q < 1 {
		return stats.NotTestedRow(u.Feature, stats.ReasonNoContrast, u.NObs())
	}

	lr := u.LR()
	row := stats.ResultRow{
		Feature:    u.Feature,
		Status:     stats.StatusTested,
		NObs:       u.NObs(),
		Conditions: len(u.Alt.Conditions),
		LRStat:     core.JSONFloat(lr),
		DFNum:      q,
		QValue:     core.JSONFloat(math.NaN()),
		NullLogLik: u.Null.LogLik,
		AltLogLik:  u.Alt.LogLik,
	}

	ownVar := u.Alt.Sigma2()
	fm, moderated := moderation.For(u.Feature)
	if moderation != nil && !moderated {
		e.log.Warn("[SignificanceEngine] feature %s missing from moderation state; using own variance", u.Feature)
	}

	var p float64
	if moderated {
		postDF := float64(fm.PostDF)
		scaled := u.RSSDrop() / fm.PostVar
		switch {
		case fm.PostVar <= 0:
			p = 1
			if u.RSSDrop() > 0 {
				p = 0
			}
			row.DFDenom = fm.PostDF
		case math.IsInf(postDF, 1):
			p = chiSquaredPValue(scaled, q)
			row.DFDenom = core.JSONFloat(math.Inf(1))
		default:
			p = fPValue(scaled/float64(q), q, postDF)
			row.DFDenom = fm.PostDF
		}
		row.Moderated = true
		row.ResidualVar = core.JSONFloat(fm.PostVar)
		row.Effects = conditionEffects(u.Alt, 1-e.alpha, postDF, varianceScale(fm.PostVar, ownVar))
	} else {
		p = chiSquaredPValue(lr, q)
		row.DFDenom = core.JSONFloat(math.Inf(1))
		row.ResidualVar = core.JSONFloat(ownVar)
		row.Effects = conditionEffects(u.Alt, 1-e.alpha, float64(u.Alt.DF), 1)
	}
	row.PValue = core.JSONFloat(p)
	return row
}

// varianceScale is the factor the squeezed variance applies to the
// unscaled parameter covariance: s̃²/s², or 1 when the own variance is
// degenerate.
func varianceScale(postVar, ownVar float64) float64 {
	if ownVar <= 0 || math.IsNaN(ownVar) || math.IsInf(ownVar, 0) {
		return 1
	}
	return postVar / ownVar
}

// conditionEffects extracts each per-condition parameter's difference
// against the reference condition (the first in sorted order), with standard
// errors from the alternative covariance and t-based confidence bounds at
// the given level. varScale rescales the covariance entries when the
// residual variance was moderated.
func conditionEffects(alt kinetics.KineticModel, level float64, tDF float64, varScale float64) []stats.EffectEstimate {
	if len(alt.Conditions) < 2 || len(alt.Formula.PerCondition) == 0 {
		return nil
	}
	ref := alt.Conditions[0]
	crit := tCritical(level, tDF)

	effects := make([]stats.EffectEstimate, 0, len(alt.Formula.PerCondition)*(len(alt.Conditions)-1))
	for _, param := range alt.Formula.PerCondition {
		refIdx := alt.SlotIndex(param, ref)
		if refIdx < 0 {
			continue
		}
		refVal := alt.Estimates[refIdx].Value
		for _, cond := range alt.Conditions[1:] {
			idx := alt.SlotIndex(param, cond)
			if idx < 0 {
				continue
			}
			est := alt.Estimates[idx].Value - refVal

			se := math.NaN()
			vII, ok1 := alt.CovarianceAt(idx, idx)
			vRR, ok2 := alt.CovarianceAt(refIdx, refIdx)
			vIR, ok3 := alt.CovarianceAt(idx, refIdx)
			if ok1 && ok2 && ok3 {
				v := (vII + vRR - 2*vIR) * varScale
				if v >= 0 {
					se = math.Sqrt(v)
				}
			}

			lower, upper := math.NaN(), math.NaN()
			if !math.IsNaN(se) && !math.IsNaN(crit) {
				lower = est - crit*se
				upper = est + crit*se
			}
			effects = append(effects, stats.EffectEstimate{
				Param:     param,
				Condition: cond,
				Reference: ref,
				Estimate:  est,
				StdErr:    core.JSONFloat(se),
				Lower:     core.JSONFloat(lower),
				Upper:     core.JSONFloat(upper),
			})
		}
	}
	return effects
}

// applyFDR assigns q-values in place across the tested rows and returns how
// many rows were tested. Benjamini-Hochberg uses the step-up rule with a
// running minimum so q-values are monotone in p; Benjamini-Yekutieli
// additionally inflates by the harmonic number for arbitrary dependence.
func applyFDR(rows []stats.ResultRow, method stats.FDRMethod) int {
	idx := make([]int, 0, len(rows))
	for i := range rows {
		if rows[i].Status == stats.StatusTested {
			idx = append(idx, i)
		}
	}
	m := len(idx)
	if m == 0 {
		return 0
	}

	sort.Slice(idx, func(a, b int) bool {
		return float64(rows[idx[a]].PValue) < float64(rows[idx[b]].PValue)
	})

	factor := 1.0
	if method == stats.FDRBenjaminiYekutieli {
		factor = 0
		for i := 1; i <= m; i++ {
			factor += 1 / float64(i)
		}
	}

	qs := make([]float64, m)
	running := 1.0
	for rank := m; rank >= 1; rank-- {
		p := float64(rows[idx[rank-1]].PValue)
		q := p * factor * float64(m) / float64(rank)
		if q < running {
			running = q
		}
		qs[rank-1] = running
	}
	for i, rowIdx := range idx {
		rows[rowIdx].QValue = core.JSONFloat(qs[i])
	}
	return m
}

// chiSquaredPValue is the upper-tail probability of chi-squared(df)
func chiSquaredPValue(stat float64, df int) float64 {
	if df <= 0 || math.IsNaN(stat) {
		return math.NaN()
	}
	if stat <= 0 {
		return 1
	}
	if math.IsInf(stat, 1) {
		return 0
	}
	dist := distuv.ChiSquared{K: float64(df)}
	return clampP(1 - dist.CDF(stat))
}

// fPValue is the upper-tail probability of F(df1, df2)
func fPValue(stat float64, df1 int, df2 float64) float64 {
	if df1 <= 0 || df2 <= 0 || math.IsNaN(stat) {
		return math.NaN()
	}
	if stat <= 0 {
		return 1
	}
	if math.IsInf(stat, 1) {
		return 0
	}
	dist := distuv.F{D1: float64(df1), D2: df2}
	return clampP(1 - dist.CDF(stat))
}

// tCritical is the two-sided critical value at the given confidence level;
// infinite df collapses to the normal quantile.
func tCritical(level float64, df float64) float64 {
	if level <= 0 || level >= 1 {
		return math.NaN()
	}
	pr := 0.5 + level/2
	if math.IsInf(df, 1) {
		return distuv.UnitNormal.Quantile(pr)
	}
	if df <= 0 || math.IsNaN(df) {
		return math.NaN()
	}
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile(pr)
}

func clampP(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
