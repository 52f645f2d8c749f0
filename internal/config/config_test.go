package config

import (
	"testing"

	"gohdx/domain/stats"
	"gohdx/internal/errors"
)

// clearEnv blanks every variable Load reads so ambient shell state cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SOLVER_MAX_ITERATIONS", "SOLVER_TOLERANCE", "SOLVER_DAMPING",
		"BATCH_CONCURRENCY", "SIGNIFICANCE_ALPHA", "FDR_METHOD",
		"MODERATION", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Solver.MaxIterations != 200 {
		t.Errorf("MaxIterations = %d, want 200", cfg.Solver.MaxIterations)
	}
	if cfg.Solver.Tolerance != 1e-8 {
		t.Errorf("Tolerance = %g, want 1e-8", cfg.Solver.Tolerance)
	}
	if cfg.Solver.Damping != 1e-3 {
		t.Errorf("Damping = %g, want 1e-3", cfg.Solver.Damping)
	}
	if cfg.Batch.Concurrency != 0 {
		t.Errorf("Concurrency = %d, want 0 (one per CPU)", cfg.Batch.Concurrency)
	}
	if cfg.Significance.Alpha != 0.05 {
		t.Errorf("Alpha = %g, want 0.05", cfg.Significance.Alpha)
	}
	if cfg.Significance.Method != stats.FDRBenjaminiHochberg {
		t.Errorf("Method = %s, want BH", cfg.Significance.Method)
	}
	if !cfg.Significance.Moderation {
		t.Error("Moderation should default to on")
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty", cfg.Database.URL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLVER_MAX_ITERATIONS", "500")
	t.Setenv("SOLVER_TOLERANCE", "1e-6")
	t.Setenv("BATCH_CONCURRENCY", "4")
	t.Setenv("SIGNIFICANCE_ALPHA", "0.01")
	t.Setenv("FDR_METHOD", "BY")
	t.Setenv("MODERATION", "false")
	t.Setenv("DATABASE_URL", "postgres://localhost/hdx")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Solver.MaxIterations != 500 {
		t.Errorf("MaxIterations = %d, want 500", cfg.Solver.MaxIterations)
	}
	if cfg.Solver.Tolerance != 1e-6 {
		t.Errorf("Tolerance = %g, want 1e-6", cfg.Solver.Tolerance)
	}
	if cfg.Batch.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Batch.Concurrency)
	}
	if cfg.Significance.Alpha != 0.01 {
		t.Errorf("Alpha = %g, want 0.01", cfg.Significance.Alpha)
	}
	if cfg.Significance.Method != stats.FDRBenjaminiYekutieli {
		t.Errorf("Method = %s, want BY", cfg.Significance.Method)
	}
	if cfg.Significance.Moderation {
		t.Error("Moderation should be off")
	}
	if cfg.Database.URL != "postgres://localhost/hdx" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLVER_MAX_ITERATIONS", "plenty")
	t.Setenv("SIGNIFICANCE_ALPHA", "five percent")
	t.Setenv("MODERATION", "yes please")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Solver.MaxIterations != 200 {
		t.Errorf("MaxIterations = %d, want default 200", cfg.Solver.MaxIterations)
	}
	if cfg.Significance.Alpha != 0.05 {
		t.Errorf("Alpha = %g, want default 0.05", cfg.Significance.Alpha)
	}
	if !cfg.Significance.Moderation {
		t.Error("Moderation should fall back to default on")
	}
}

func TestLoad_Guardrails(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_CONCURRENCY", "100000")
	t.Setenv("SOLVER_MAX_ITERATIONS", "99999999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch.Concurrency != maxConcurrency {
		t.Errorf("Concurrency = %d, want clamped %d", cfg.Batch.Concurrency, maxConcurrency)
	}
	if cfg.Solver.MaxIterations != maxIterationCap {
		t.Errorf("MaxIterations = %d, want clamped %d", cfg.Solver.MaxIterations, maxIterationCap)
	}
}

func TestLoad_NegativeConcurrencyMeansAuto(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_CONCURRENCY", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch.Concurrency != 0 {
		t.Errorf("Concurrency = %d, want 0", cfg.Batch.Concurrency)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero tolerance", "SOLVER_TOLERANCE", "0"},
		{"negative damping", "SOLVER_DAMPING", "-1"},
		{"alpha at one", "SIGNIFICANCE_ALPHA", "1"},
		{"alpha above one", "SIGNIFICANCE_ALPHA", "1.5"},
		{"unknown correction", "FDR_METHOD", "bonferroni"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("%s=%s should fail validation", tc.key, tc.value)
			}
			if errors.GetCode(err) != errors.CodeConfigInvalid {
				t.Errorf("error code = %s, want %s", errors.GetCode(err), errors.CodeConfigInvalid)
			}
		})
	}
}
