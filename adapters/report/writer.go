// Package report emits run outputs as tabular files: a per-feature results
// CSV, a diagnostics CSV, and a multi-sheet workbook carrying both plus the
// effect estimates and the moderation summary.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/xuri/excelize/v2"

	"gohdx/domain/stats"
)

var resultHeaders = []string{
	"feature", "status", "reason", "n_obs", "conditions",
	"lr_stat", "df_num", "df_denom", "p_value", "q_value",
	"moderated", "residual_var", "null_log_lik", "alt_log_lik",
}

var effectHeaders = []string{
	"feature", "param", "condition", "reference",
	"estimate", "std_err", "lower", "upper",
}

var diagnosticHeaders = []string{
	"feature", "stage", "reason", "detail", "n_obs", "recorded_at",
}

// WriteTableCSV emits one row per requested feature, in table order
func WriteTableCSV(path string, table *stats.ResultTable) error {
	if table == nil {
		return fmt.Errorf("nil result table")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(resultHeaders); err != nil {
		return err
	}
	for _, row := range table.Rows {
		if err := w.Write(resultRecord(row)); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteEffectsCSV flattens every tested row's condition effects, one effect
// per line.
func WriteEffectsCSV(path string, table *stats.ResultTable) error {
	if table == nil {
		return fmt.Errorf("nil result table")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(effectHeaders); err != nil {
		return err
	}
	for _, row := range table.Rows {
		for _, e := range row.Effects {
			if err := w.Write(effectRecord(row, e)); err != nil {
				return err
			}
		}
	}
	return w.Error()
}

// WriteDiagnosticsCSV emits one line per untested feature
func WriteDiagnosticsCSV(path string, diags []stats.FitDiagnostic) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(diagnosticHeaders); err != nil {
		return err
	}
	for _, d := range diags {
		if err := w.Write(diagnosticRecord(d)); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteWorkbook emits the complete run output as one workbook: results,
// effects and diagnostics sheets, plus a moderation sheet when the run was
// moderated.
func WriteWorkbook(path string, table *stats.ResultTable, diags []stats.FitDiagnostic, state *stats.ModerationState) error {
	if table == nil {
		return fmt.Errorf("nil result table")
	}
	f := excelize.NewFile()

	results := [][]string{resultHeaders}
	for _, row := range table.Rows {
		results = append(results, resultRecord(row))
	}
	if err := writeSheet(f, "results", results); err != nil {
		return err
	}

	effects := [][]string{effectHeaders}
	for _, row := range table.Rows {
		for _, e := range row.Effects {
			effects = append(effects, effectRecord(row, e))
		}
	}
	if err := writeSheet(f, "effects", effects); err != nil {
		return err
	}

	diagRows := [][]string{diagnosticHeaders}
	for _, d := range diags {
		diagRows = append(diagRows, diagnosticRecord(d))
	}
	if err := writeSheet(f, "diagnostics", diagRows); err != nil {
		return err
	}

	if state != nil {
		mod := [][]string{{"prior_var", "prior_df", "used_features", "excluded_zero_var", "excluded_no_df"}}
		mod = append(mod, []string{
			cell(state.PriorVar),
			cell(float64(state.PriorDF)),
			strconv.Itoa(state.UsedFeatures),
			strconv.Itoa(state.ExcludedZeroVar),
			strconv.Itoa(state.ExcludedNoDF),
		})
		if err := writeSheet(f, "moderation", mod); err != nil {
			return err
		}
	}

	// Drop the default sheet so the workbook opens on results.
	if idx, err := f.GetSheetIndex("results"); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}

	return f.SaveAs(path)
}

func writeSheet(f *excelize.File, name string, rows [][]string) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	for r, row := range rows {
		for c, v := range row {
			cellName, _ := excelize.CoordinatesToCellName(c+1, r+1)
			if err := f.SetCellValue(name, cellName, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func resultRecord(row stats.ResultRow) []string {
	return []string{
		row.Feature.String(),
		string(row.Status),
		string(row.Reason),
		strconv.Itoa(row.NObs),
		strconv.Itoa(row.Conditions),
		cell(float64(row.LRStat)),
		strconv.Itoa(row.DFNum),
		cell(float64(row.DFDenom)),
		cell(float64(row.PValue)),
		cell(float64(row.QValue)),
		strconv.FormatBool(row.Moderated),
		cell(float64(row.ResidualVar)),
		cell(float64(row.NullLogLik)),
		cell(float64(row.AltLogLik)),
	}
}

func effectRecord(row stats.ResultRow, e stats.EffectEstimate) []string {
	return []string{
		row.Feature.String(),
		string(e.Param),
		e.Condition.String(),
		e.Reference.String(),
		cell(e.Estimate),
		cell(float64(e.StdErr)),
		cell(float64(e.Lower)),
		cell(float64(e.Upper)),
	}
}

func diagnosticRecord(d stats.FitDiagnostic) []string {
	return []string{
		d.Feature.String(),
		string(d.Stage),
		string(d.Reason),
		d.Detail,
		strconv.Itoa(d.NObs),
		d.RecordedAt.String(),
	}
}

// cell formats one numeric cell: NaN becomes a blank, infinities keep their
// sign, everything else round-trips at full precision.
func cell(v float64) string {
	switch {
	case math.IsNaN(v):
		return ""
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}
