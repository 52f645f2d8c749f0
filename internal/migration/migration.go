package migration

import (
	"context"

	"github.com/jmoiron/sqlx"

	"gohdx/internal/errors"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner creates the result-ledger schema. Every statement is
// idempotent so the runner can execute on each startup.
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{version: "1.0.0"}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all schema migrations in dependency order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	if err := r.createRunsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_runs table")
	}
	if err := r.createResultRowsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_result_rows table")
	}
	if err := r.createDiagnosticsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_diagnostics table")
	}
	if err := r.createModerationTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_moderation table")
	}
	if err := r.createManifestsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_manifests table")
	}
	if err := r.createArtifactsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create hdx_artifacts table")
	}
	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}
	return nil
}

func (r *MigrationRunner) createRunsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_runs (
			run_id TEXT PRIMARY KEY,
			alpha DOUBLE PRECISION NOT NULL,
			fdr_method TEXT NOT NULL,
			requested_features INTEGER NOT NULL DEFAULT 0,
			tested_features INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createResultRowsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_result_rows (
			run_id TEXT NOT NULL REFERENCES hdx_runs(run_id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			feature TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			q_value DOUBLE PRECISION,
			row JSONB NOT NULL,
			PRIMARY KEY (run_id, feature)
		)
	`)
	return err
}

func (r *MigrationRunner) createDiagnosticsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_diagnostics (
			run_id TEXT NOT NULL REFERENCES hdx_runs(run_id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			feature TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			n_obs INTEGER NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (run_id, feature)
		)
	`)
	return err
}

func (r *MigrationRunner) createModerationTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_moderation (
			run_id TEXT PRIMARY KEY REFERENCES hdx_runs(run_id) ON DELETE CASCADE,
			state JSONB NOT NULL
		)
	`)
	return err
}

func (r *MigrationRunner) createManifestsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_manifests (
			run_id TEXT PRIMARY KEY,
			manifest JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createArtifactsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hdx_artifacts (
			artifact_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`)
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_result_rows_run_position ON hdx_result_rows(run_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_result_rows_q_value ON hdx_result_rows(run_id, q_value)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostics_run_position ON hdx_diagnostics(run_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON hdx_artifacts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON hdx_runs(created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
