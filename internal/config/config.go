package config

import (
	"os"
	"strconv"

	"gohdx/domain/stats"
	"gohdx/internal"
	"gohdx/internal/errors"
)

// Guardrail caps. Values above these are clamped with a warning rather than
// rejected, so a fat-fingered env var degrades to a slow run instead of a
// refused one.
const (
	maxConcurrency  = 256
	maxIterationCap = 100000
)

// Config is the complete engine configuration, loaded from the environment
type Config struct {
	Solver       SolverConfig
	Batch        BatchConfig
	Significance SignificanceConfig
	Database     DatabaseConfig
}

// SolverConfig bounds every nonlinear fit
type SolverConfig struct {
	MaxIterations int
	Tolerance     float64
	Damping       float64
}

// BatchConfig controls the worker pool
type BatchConfig struct {
	// Concurrency is the worker-pool size; 0 means one worker per CPU.
	Concurrency int
}

// SignificanceConfig controls testing and correction
type SignificanceConfig struct {
	Alpha      float64
	Method     stats.FDRMethod
	Moderation bool
}

// DatabaseConfig holds the optional result-ledger connection. An empty URL
// means results stay in memory.
type DatabaseConfig struct {
	URL string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := &Config{
		Solver: SolverConfig{
			MaxIterations: getEnvIntOrDefault("SOLVER_MAX_ITERATIONS", 200),
			Tolerance:     getEnvFloatOrDefault("SOLVER_TOLERANCE", 1e-8),
			Damping:       getEnvFloatOrDefault("SOLVER_DAMPING", 1e-3),
		},
		Batch: BatchConfig{
			Concurrency: getEnvIntOrDefault("BATCH_CONCURRENCY", 0),
		},
		Significance: SignificanceConfig{
			Alpha:      getEnvFloatOrDefault("SIGNIFICANCE_ALPHA", 0.05),
			Method:     stats.FDRMethod(getEnvOrDefault("FDR_METHOD", string(stats.FDRBenjaminiHochberg))),
			Moderation: getEnvBoolOrDefault("MODERATION", true),
		},
		Database: DatabaseConfig{
			URL: getEnvOrDefault("DATABASE_URL", ""),
		},
	}

	applyGuardrails(cfg)

	if err := validate(cfg); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func applyGuardrails(cfg *Config) {
	if cfg.Batch.Concurrency > maxConcurrency {
		internal.DefaultLogger.Warn("[Config] BATCH_CONCURRENCY %d exceeds cap, clamping to %d",
			cfg.Batch.Concurrency, maxConcurrency)
		cfg.Batch.Concurrency = maxConcurrency
	}
	if cfg.Batch.Concurrency < 0 {
		cfg.Batch.Concurrency = 0
	}
	if cfg.Solver.MaxIterations > maxIterationCap {
		internal.DefaultLogger.Warn("[Config] SOLVER_MAX_ITERATIONS %d exceeds cap, clamping to %d",
			cfg.Solver.MaxIterations, maxIterationCap)
		cfg.Solver.MaxIterations = maxIterationCap
	}
}

func validate(cfg *Config) error {
	if cfg.Solver.MaxIterations <= 0 {
		return errors.ConfigInvalid("SOLVER_MAX_ITERATIONS must be positive")
	}
	if cfg.Solver.Tolerance <= 0 {
		return errors.ConfigInvalid("SOLVER_TOLERANCE must be positive")
	}
	if cfg.Solver.Damping <= 0 {
		return errors.ConfigInvalid("SOLVER_DAMPING must be positive")
	}
	if cfg.Significance.Alpha <= 0 || cfg.Significance.Alpha >= 1 {
		return errors.ConfigInvalid("SIGNIFICANCE_ALPHA must be in (0,1)")
	}
	if !cfg.Significance.Method.Valid() {
		return errors.ConfigInvalid("FDR_METHOD must be BH or BY")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
