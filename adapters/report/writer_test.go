package report

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"gohdx/domain/core"
	"gohdx/domain/stats"
)

func sampleTable(t *testing.T) *stats.ResultTable {
	t.Helper()
	nan := core.JSONFloat(math.NaN())
	tested := stats.ResultRow{
		Feature:     "PEP-0001",
		Status:      stats.StatusTested,
		NObs:        48,
		Conditions:  2,
		LRStat:      core.JSONFloat(23.4),
		DFNum:       3,
		DFDenom:     core.JSONFloat(math.Inf(1)),
		PValue:      core.JSONFloat(3.3e-5),
		QValue:      core.JSONFloat(1.2e-4),
		Moderated:   true,
		ResidualVar: core.JSONFloat(0.0012),
		NullLogLik:  core.JSONFloat(30.1),
		AltLogLik:   core.JSONFloat(41.8),
		Effects: []stats.EffectEstimate{
			{
				Param: "b", Condition: "bound", Reference: "apo",
				Estimate: -0.017,
				StdErr:   core.JSONFloat(0.003),
				Lower:    core.JSONFloat(-0.023),
				Upper:    core.JSONFloat(-0.011),
			},
			{
				Param: "a", Condition: "bound", Reference: "apo",
				Estimate: 0.1,
				StdErr:   core.JSONFloat(0.2),
				Lower:    nan,
				Upper:    nan,
			},
		},
	}
	untested := stats.NotTestedRow("PEP-0002", stats.ReasonEmptySeries, 0)

	table, err := stats.NewResultTable(core.NewRunID(),
		[]stats.ResultRow{tested, untested}, 0.05, stats.FDRBenjaminiHochberg)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return table
}

func sampleDiagnostics() []stats.FitDiagnostic {
	return []stats.FitDiagnostic{
		stats.NewFitDiagnostic("PEP-0002", stats.StageValidation, stats.ReasonEmptySeries, "all cells non-finite", 0),
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return records
}

func TestWriteTableCSV(t *testing.T) {
	table := sampleTable(t)
	path := filepath.Join(t.TempDir(), "results.csv")
	if err := WriteTableCSV(path, table); err != nil {
		t.Fatalf("write: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows", len(records))
	}
	if records[0][0] != "feature" || records[0][9] != "q_value" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][0] != "PEP-0001" || records[1][1] != string(stats.StatusTested) {
		t.Errorf("tested row mangled: %v", records[1])
	}
	// +Inf denominator df keeps its sign; NaN q-value of the untested row
	// becomes a blank cell.
	if records[1][7] != "Inf" {
		t.Errorf("df_denom cell = %q, want Inf", records[1][7])
	}
	if records[2][9] != "" {
		t.Errorf("untested q_value cell = %q, want blank", records[2][9])
	}
	if records[2][2] != string(stats.ReasonEmptySeries) {
		t.Errorf("untested reason cell = %q", records[2][2])
	}
}

func TestWriteEffectsCSV(t *testing.T) {
	table := sampleTable(t)
	path := filepath.Join(t.TempDir(), "effects.csv")
	if err := WriteEffectsCSV(path, table); err != nil {
		t.Fatalf("write: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("lines = %d, want header + 2 effects", len(records))
	}
	if records[1][1] != "b" || records[1][2] != "bound" || records[1][3] != "apo" {
		t.Errorf("effect row mangled: %v", records[1])
	}
	if records[2][6] != "" || records[2][7] != "" {
		t.Errorf("NaN bounds should be blank, got %q and %q", records[2][6], records[2][7])
	}
}

func TestWriteDiagnosticsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diagnostics.csv")
	if err := WriteDiagnosticsCSV(path, sampleDiagnostics()); err != nil {
		t.Fatalf("write: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 2 {
		t.Fatalf("lines = %d, want header + 1 diagnostic", len(records))
	}
	if records[1][0] != "PEP-0002" || records[1][3] != "all cells non-finite" {
		t.Errorf("diagnostic row mangled: %v", records[1])
	}
}

func TestWriteWorkbook(t *testing.T) {
	table := sampleTable(t)
	state := &stats.ModerationState{
		PriorVar:     0.002,
		PriorDF:      core.JSONFloat(4.2),
		UsedFeatures: 1,
	}

	path := filepath.Join(t.TempDir(), "results.xlsx")
	if err := WriteWorkbook(path, table, sampleDiagnostics(), state); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	for _, sheet := range []string{"results", "effects", "diagnostics", "moderation"} {
		if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
			t.Errorf("missing sheet %q", sheet)
		}
	}

	rows, err := f.GetRows("results")
	if err != nil {
		t.Fatalf("results rows: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("results sheet rows = %d, want 3", len(rows))
	}
	if rows[1][0] != "PEP-0001" {
		t.Errorf("first result row = %v", rows[1])
	}
}

func TestWriteWorkbook_NoModeration(t *testing.T) {
	table := sampleTable(t)
	path := filepath.Join(t.TempDir(), "results.xlsx")
	if err := WriteWorkbook(path, table, nil, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	if idx, _ := f.GetSheetIndex("moderation"); idx >= 0 {
		t.Error("unmoderated run should not emit a moderation sheet")
	}
}
