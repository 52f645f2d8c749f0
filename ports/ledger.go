package ports

import (
	"context"

	"gohdx/domain/core"
	"gohdx/domain/stats"
)

// LedgerWriterPort provides append-only write access to run outputs.
// This is the ONLY way to persist results - prevents read-after-write coupling.
type LedgerWriterPort interface {
	StoreResultTable(ctx context.Context, table *stats.ResultTable) error
	StoreDiagnostics(ctx context.Context, runID core.RunID, diags []stats.FitDiagnostic) error
	StoreModeration(ctx context.Context, runID core.RunID, state *stats.ModerationState) error
	StoreManifest(ctx context.Context, manifest *stats.BatchManifest) error

	// StoreArtifact records any auxiliary payload against a run.
	StoreArtifact(ctx context.Context, artifact core.Artifact) error
}

// LedgerReaderPort provides read-only access to stored runs.
// Use this for queries, replay, and report generation.
type LedgerReaderPort interface {
	GetResultTable(ctx context.Context, runID core.RunID) (*stats.ResultTable, error)
	GetManifest(ctx context.Context, runID core.RunID) (*stats.BatchManifest, error)
	GetArtifactsByRun(ctx context.Context, runID core.RunID) ([]core.Artifact, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// RunSummary is the ledger's listing row for one run
type RunSummary struct {
	RunID             core.RunID            `json:"run_id"`
	RequestedFeatures int                   `json:"requested_features"`
	TestedFeatures    int                   `json:"tested_features"`
	Fingerprint       core.TableFingerprint `json:"fingerprint"`
	CreatedAt         core.Timestamp        `json:"created_at"`
}

// LedgerPort combines read and write access
type LedgerPort interface {
	LedgerWriterPort
	LedgerReaderPort
}
