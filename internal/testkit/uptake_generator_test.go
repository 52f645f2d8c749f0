package testkit

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gohdx/domain/stats"
)

func TestGenerate_Basic(t *testing.T) {
	cfg := DefaultConfig()
	ds, err := Generate(cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(ds.Features) != cfg.Features {
		t.Fatalf("features = %d, want %d", len(ds.Features), cfg.Features)
	}
	if got := len(ds.DifferentialFeatures()); got != cfg.Differential {
		t.Errorf("differential = %d, want %d", got, cfg.Differential)
	}
	if got := len(ds.CorruptedFeatures()); got != cfg.Corrupted {
		t.Errorf("corrupted = %d, want %d", got, cfg.Corrupted)
	}

	// Wide table shape: one header column per sample plus the feature ID.
	wantCols := 1 + 2*len(cfg.Times)*cfg.Replicates
	if len(ds.Headers) != wantCols {
		t.Errorf("header columns = %d, want %d", len(ds.Headers), wantCols)
	}
	if len(ds.Rows) != cfg.Features {
		t.Errorf("rows = %d, want %d", len(ds.Rows), cfg.Features)
	}

	if ds.Table.Len() != cfg.Features {
		t.Errorf("table features = %d, want %d", ds.Table.Len(), cfg.Features)
	}
}

func TestGenerate_TruthCurves(t *testing.T) {
	ds, err := Generate(DefaultConfig())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, f := range ds.DifferentialFeatures() {
		truth := ds.Truth[f]
		if truth.RateBound >= truth.RateApo {
			t.Errorf("%s: bound rate %g not slower than apo rate %g", f, truth.RateBound, truth.RateApo)
		}
	}

	// Null features keep identical rates under both conditions.
	for _, f := range ds.Features {
		truth := ds.Truth[f]
		if truth.Class == TruthNull && truth.RateApo != truth.RateBound {
			t.Errorf("%s: null feature with differing rates", f)
		}
	}
}

func TestGenerate_CorruptedSeriesShapes(t *testing.T) {
	ds, err := Generate(DefaultConfig())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx := context.Background()
	for _, f := range ds.CorruptedFeatures() {
		series, err := ds.Table.Series(ctx, f)
		if err != nil {
			t.Fatalf("series %s: %v", f, err)
		}
		switch ds.Truth[f].Corruption {
		case stats.ReasonEmptySeries:
			if !series.IsEmpty() {
				t.Errorf("%s: dead feature has %d usable observations", f, series.Len())
			}
			if series.Dropped == 0 {
				t.Errorf("%s: dead feature recorded no dropped cells", f)
			}
		case stats.ReasonInsufficientData:
			if got := len(series.DistinctTimes()); got != 2 {
				t.Errorf("%s: thin feature has %d distinct times, want 2", f, got)
			}
		case stats.ReasonNoContrast:
			if got := len(series.Conditions()); got != 1 {
				t.Errorf("%s: dropout feature has %d conditions, want 1", f, got)
			}
		default:
			t.Errorf("%s: corrupted feature without an expected reason", f)
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 10
	cfg.Differential = 2
	cfg.Corrupted = 0

	ds1, err := Generate(cfg)
	if err != nil {
		t.Fatalf("first generation: %v", err)
	}
	ds2, err := Generate(cfg)
	if err != nil {
		t.Fatalf("second generation: %v", err)
	}

	for i := range ds1.Rows {
		for j := range ds1.Rows[i] {
			if ds1.Rows[i][j] != ds2.Rows[i][j] {
				t.Fatalf("row %d col %d differs between identically seeded runs: %q vs %q",
					i, j, ds1.Rows[i][j], ds2.Rows[i][j])
			}
		}
	}
	if ds1.Fingerprint() != ds2.Fingerprint() {
		t.Error("identically seeded generations fingerprint differently")
	}

	cfg.Seed++
	ds3, err := Generate(cfg)
	if err != nil {
		t.Fatalf("reseeded generation: %v", err)
	}
	if ds3.Fingerprint() == ds1.Fingerprint() {
		t.Error("different seeds produced the same dataset")
	}
}

func TestGenerate_UptakeMonotoneInTruth(t *testing.T) {
	// The planted curve is monotone non-decreasing before noise.
	times := []float64{0, 10, 100, 1000, 10000}
	prev := math.Inf(-1)
	for _, tm := range times {
		v := uptakeAt(tm, 5, 0.01, 0.2)
		if v < prev {
			t.Fatalf("truth curve decreased at t=%g: %g < %g", tm, v, prev)
		}
		prev = v
	}
}

func TestGenerate_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no features", func(c *Config) { c.Features = 0 }},
		{"too many planted", func(c *Config) { c.Differential = c.Features }},
		{"too few times", func(c *Config) { c.Times = []float64{0, 10, 30} }},
		{"no replicates", func(c *Config) { c.Replicates = 0 }},
		{"flat protection", func(c *Config) { c.ProtectionFactor = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Corrupted = 1
			tc.mutate(&cfg)
			if _, err := Generate(cfg); err == nil {
				t.Fatal("expected a config error")
			}
		})
	}
}

func TestWriteCSV(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 5
	cfg.Differential = 1
	cfg.Corrupted = 1
	ds, err := Generate(cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "uptake.csv")
	if err := WriteCSV(path, ds); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("empty CSV written")
	}
}

func TestWriteXLSX(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 5
	cfg.Differential = 1
	cfg.Corrupted = 1
	ds, err := Generate(cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "uptake.xlsx")
	if err := WriteXLSX(path, ds); err != nil {
		t.Fatalf("write: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("workbook not written: %v", err)
	}
}
