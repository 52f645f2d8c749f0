// Package postgres persists run outputs in PostgreSQL. Result rows,
// moderation state, manifests and artifact payloads are stored as JSONB so
// non-finite statistics survive the round trip through JSONFloat's encoding;
// the columns a query would filter on (status, reason, q-value, position)
// are lifted out alongside.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx"

	"gohdx/domain/core"
	"gohdx/domain/stats"
	"gohdx/internal"
	"gohdx/internal/errors"
	"gohdx/ports"
)

// ResultLedger implements LedgerPort against PostgreSQL
type ResultLedger struct {
	db  *sqlx.DB
	log *internal.Logger
}

// NewResultLedger wraps an open connection
func NewResultLedger(db *sqlx.DB, logger *internal.Logger) *ResultLedger {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &ResultLedger{db: db, log: logger}
}

// Connect opens and verifies a database connection
func Connect(url string) (*sqlx.DB, error) {
	if url == "" {
		return nil, errors.ConfigInvalid("DATABASE_URL is required")
	}
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, errors.DatabaseError("failed to connect to database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.DatabaseError("failed to ping database", err)
	}
	return db, nil
}

// StoreResultTable upserts the run header and every row in one transaction,
// so a re-run of the same run ID replaces its rows atomically.
func (l *ResultLedger) StoreResultTable(ctx context.Context, table *stats.ResultTable) error {
	if table == nil {
		return errors.InvalidInput("nil result table")
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hdx_runs (run_id, alpha, fdr_method, requested_features, tested_features, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			alpha = EXCLUDED.alpha,
			fdr_method = EXCLUDED.fdr_method,
			requested_features = EXCLUDED.requested_features,
			tested_features = EXCLUDED.tested_features,
			fingerprint = EXCLUDED.fingerprint`,
		table.RunID.String(), table.Alpha, string(table.Method),
		table.Len(), table.TestedCount(), table.Fingerprint().String(),
		table.CreatedAt.Time())
	if err != nil {
		return errors.DatabaseError("failed to upsert run", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM hdx_result_rows WHERE run_id = $1`, table.RunID.String()); err != nil {
		return errors.DatabaseError("failed to clear previous rows", err)
	}

	for i, row := range table.Rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return errors.Wrapf(err, "failed to encode row for feature %s", row.Feature)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hdx_result_rows (run_id, position, feature, status, reason, q_value, row)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			table.RunID.String(), i, row.Feature.String(),
			string(row.Status), string(row.Reason),
			nullableFloat(float64(row.QValue)), payload)
		if err != nil {
			return errors.DatabaseError(fmt.Sprintf("failed to insert row for feature %s", row.Feature), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("failed to commit result table", err)
	}
	l.log.Debug("[ResultLedger] stored table for run %s (%d rows)", table.RunID, table.Len())
	return nil
}

// StoreDiagnostics replaces the run's diagnostics
func (l *ResultLedger) StoreDiagnostics(ctx context.Context, runID core.RunID, diags []stats.FitDiagnostic) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hdx_diagnostics WHERE run_id = $1`, runID.String()); err != nil {
		return errors.DatabaseError("failed to clear previous diagnostics", err)
	}
	for i, d := range diags {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hdx_diagnostics (run_id, position, feature, stage, reason, detail, n_obs, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			runID.String(), i, d.Feature.String(), string(d.Stage), string(d.Reason),
			d.Detail, d.NObs, d.RecordedAt.Time())
		if err != nil {
			return errors.DatabaseError(fmt.Sprintf("failed to insert diagnostic for feature %s", d.Feature), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("failed to commit diagnostics", err)
	}
	return nil
}

// StoreModeration upserts the run's moderation state
func (l *ResultLedger) StoreModeration(ctx context.Context, runID core.RunID, state *stats.ModerationState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to encode moderation state")
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO hdx_moderation (run_id, state) VALUES ($1, $2)
		ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state`,
		runID.String(), payload)
	if err != nil {
		return errors.DatabaseError("failed to upsert moderation state", err)
	}
	return nil
}

// StoreManifest upserts the run's audit manifest
func (l *ResultLedger) StoreManifest(ctx context.Context, manifest *stats.BatchManifest) error {
	if manifest == nil {
		return errors.InvalidInput("nil manifest")
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest")
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO hdx_manifests (run_id, manifest, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET manifest = EXCLUDED.manifest`,
		manifest.RunID.String(), payload, manifest.CreatedAt.Time())
	if err != nil {
		return errors.DatabaseError("failed to upsert manifest", err)
	}
	return nil
}

// StoreArtifact records an auxiliary payload against a run
func (l *ResultLedger) StoreArtifact(ctx context.Context, artifact core.Artifact) error {
	payload, err := json.Marshal(artifact.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode artifact payload")
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO hdx_artifacts (artifact_id, run_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (artifact_id) DO UPDATE SET payload = EXCLUDED.payload`,
		artifact.ID.String(), artifact.RunID.String(), string(artifact.Kind),
		payload, artifact.CreatedAt.Time())
	if err != nil {
		return errors.DatabaseError("failed to upsert artifact", err)
	}
	return nil
}

// GetResultTable reassembles a stored table, rows in their original order
func (l *ResultLedger) GetResultTable(ctx context.Context, runID core.RunID) (*stats.ResultTable, error) {
	var header struct {
		Alpha     float64      `db:"alpha"`
		Method    string       `db:"fdr_method"`
		CreatedAt sql.NullTime `db:"created_at"`
	}
	err := l.db.GetContext(ctx, &header, `
		SELECT alpha, fdr_method, created_at FROM hdx_runs WHERE run_id = $1`, runID.String())
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, errors.DatabaseError("failed to load run", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT row FROM hdx_result_rows WHERE run_id = $1 ORDER BY position`, runID.String())
	if err != nil {
		return nil, errors.DatabaseError("failed to load result rows", err)
	}
	defer rows.Close()

	var out []stats.ResultRow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.DatabaseError("failed to scan result row", err)
		}
		var row stats.ResultRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, errors.Wrap(err, "failed to decode result row")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("failed to iterate result rows", err)
	}

	table := &stats.ResultTable{
		RunID:  runID,
		Rows:   out,
		Alpha:  header.Alpha,
		Method: stats.FDRMethod(header.Method),
	}
	if header.CreatedAt.Valid {
		table.CreatedAt = core.NewTimestamp(header.CreatedAt.Time)
	}
	return table, nil
}

// GetManifest loads a stored run's manifest
func (l *ResultLedger) GetManifest(ctx context.Context, runID core.RunID) (*stats.BatchManifest, error) {
	var payload []byte
	err := l.db.GetContext(ctx, &payload, `
		SELECT manifest FROM hdx_manifests WHERE run_id = $1`, runID.String())
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, errors.DatabaseError("failed to load manifest", err)
	}
	var manifest stats.BatchManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	return &manifest, nil
}

// GetDiagnostics loads a run's diagnostics in their original order
func (l *ResultLedger) GetDiagnostics(ctx context.Context, runID core.RunID) ([]stats.FitDiagnostic, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT feature, stage, reason, detail, n_obs, recorded_at
		FROM hdx_diagnostics WHERE run_id = $1 ORDER BY position`, runID.String())
	if err != nil {
		return nil, errors.DatabaseError("failed to load diagnostics", err)
	}
	defer rows.Close()

	var out []stats.FitDiagnostic
	for rows.Next() {
		var d stats.FitDiagnostic
		var feature, stage, reason string
		var recordedAt sql.NullTime
		if err := rows.Scan(&feature, &stage, &reason, &d.Detail, &d.NObs, &recordedAt); err != nil {
			return nil, errors.DatabaseError("failed to scan diagnostic", err)
		}
		d.Feature = core.FeatureID(feature)
		d.Stage = stats.FitStage(stage)
		d.Reason = stats.ReasonCode(reason)
		if recordedAt.Valid {
			d.RecordedAt = core.NewTimestamp(recordedAt.Time)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetArtifactsByRun lists a run's artifacts oldest first
func (l *ResultLedger) GetArtifactsByRun(ctx context.Context, runID core.RunID) ([]core.Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT artifact_id, kind, payload, created_at
		FROM hdx_artifacts WHERE run_id = $1 ORDER BY created_at`, runID.String())
	if err != nil {
		return nil, errors.DatabaseError("failed to load artifacts", err)
	}
	defer rows.Close()

	var out []core.Artifact
	for rows.Next() {
		var id, kind string
		var payload []byte
		var createdAt sql.NullTime
		if err := rows.Scan(&id, &kind, &payload, &createdAt); err != nil {
			return nil, errors.DatabaseError("failed to scan artifact", err)
		}
		a := core.Artifact{
			ID:    core.ID(id),
			Kind:  core.ArtifactKind(kind),
			RunID: runID,
		}
		if len(payload) > 0 {
			a.Payload = json.RawMessage(payload)
		}
		if createdAt.Valid {
			a.CreatedAt = core.NewTimestamp(createdAt.Time)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRuns lists stored runs newest first
func (l *ResultLedger) ListRuns(ctx context.Context, limit int) ([]ports.RunSummary, error) {
	query := `
		SELECT run_id, requested_features, tested_features, fingerprint, created_at
		FROM hdx_runs ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("failed to list runs", err)
	}
	defer rows.Close()

	var out []ports.RunSummary
	for rows.Next() {
		var s ports.RunSummary
		var runID, fingerprint string
		var createdAt sql.NullTime
		if err := rows.Scan(&runID, &s.RequestedFeatures, &s.TestedFeatures, &fingerprint, &createdAt); err != nil {
			return nil, errors.DatabaseError("failed to scan run summary", err)
		}
		s.RunID = core.RunID(runID)
		s.Fingerprint = core.TableFingerprint(fingerprint)
		if createdAt.Valid {
			s.CreatedAt = core.NewTimestamp(createdAt.Time)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// nullableFloat maps NaN onto SQL NULL for the filterable q-value column
func nullableFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

var _ ports.LedgerPort = (*ResultLedger)(nil)
