// Package testkit provides the synthetic truth set and in-memory adapters
// used by tests and the CLI demo.
package testkit

import (
	"context"
	"fmt"
	"sync"

	"gohdx/domain/core"
	"gohdx/domain/stats"
	"gohdx/ports"
)

// TestKit bundles the in-memory adapters behind one constructor so tests
// and the demo share a single wired set.
type TestKit struct {
	ledger *InMemoryLedger
}

// NewTestKit creates a kit with a fresh empty ledger
func NewTestKit() *TestKit {
	return &TestKit{ledger: NewInMemoryLedger()}
}

// Ledger returns the shared ledger instance
func (t *TestKit) Ledger() ports.LedgerPort { return t.ledger }

// LedgerReader returns read-only access to the same storage
func (t *TestKit) LedgerReader() ports.LedgerReaderPort { return t.ledger }

// InMemoryLedger implements LedgerPort with map storage. Runs list in
// insertion order, newest first, matching how a database ledger would sort
// by creation time.
type InMemoryLedger struct {
	mu           sync.RWMutex
	runOrder     []core.RunID
	tables       map[core.RunID]*stats.ResultTable
	diagnostics  map[core.RunID][]stats.FitDiagnostic
	moderation   map[core.RunID]*stats.ModerationState
	manifests    map[core.RunID]*stats.BatchManifest
	artifacts    map[core.ArtifactID]core.Artifact
	runArtifacts map[core.RunID][]core.ArtifactID
}

// NewInMemoryLedger creates an empty ledger
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		tables:       make(map[core.RunID]*stats.ResultTable),
		diagnostics:  make(map[core.RunID][]stats.FitDiagnostic),
		moderation:   make(map[core.RunID]*stats.ModerationState),
		manifests:    make(map[core.RunID]*stats.BatchManifest),
		artifacts:    make(map[core.ArtifactID]core.Artifact),
		runArtifacts: make(map[core.RunID][]core.ArtifactID),
	}
}

func (l *InMemoryLedger) StoreResultTable(ctx context.Context, table *stats.ResultTable) error {
	if table == nil {
		return fmt.Errorf("nil result table")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.tables[table.RunID]; !seen {
		l.runOrder = append(l.runOrder, table.RunID)
	}
	l.tables[table.RunID] = table
	return nil
}

func (l *InMemoryLedger) StoreDiagnostics(ctx context.Context, runID core.RunID, diags []stats.FitDiagnostic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make([]stats.FitDiagnostic, len(diags))
	copy(copied, diags)
	l.diagnostics[runID] = copied
	return nil
}

func (l *InMemoryLedger) StoreModeration(ctx context.Context, runID core.RunID, state *stats.ModerationState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moderation[runID] = state
	return nil
}

func (l *InMemoryLedger) StoreManifest(ctx context.Context, manifest *stats.BatchManifest) error {
	if manifest == nil {
		return fmt.Errorf("nil manifest")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[manifest.RunID] = manifest
	return nil
}

func (l *InMemoryLedger) StoreArtifact(ctx context.Context, artifact core.Artifact) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := core.ArtifactID(artifact.ID)
	l.artifacts[id] = artifact
	l.runArtifacts[artifact.RunID] = append(l.runArtifacts[artifact.RunID], id)
	return nil
}

func (l *InMemoryLedger) GetResultTable(ctx context.Context, runID core.RunID) (*stats.ResultTable, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	table, ok := l.tables[runID]
	if !ok {
		return nil, fmt.Errorf("%w %s", core.ErrRunNotFound, runID)
	}
	return table, nil
}

func (l *InMemoryLedger) GetManifest(ctx context.Context, runID core.RunID) (*stats.BatchManifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.manifests[runID]
	if !ok {
		return nil, fmt.Errorf("%w %s", core.ErrRunNotFound, runID)
	}
	return m, nil
}

// GetModeration returns a stored run's moderation state; runs tested without
// moderation have none.
func (l *InMemoryLedger) GetModeration(ctx context.Context, runID core.RunID) (*stats.ModerationState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.moderation[runID]
	return state, ok
}

// GetDiagnostics returns a stored run's diagnostics
func (l *InMemoryLedger) GetDiagnostics(ctx context.Context, runID core.RunID) []stats.FitDiagnostic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]stats.FitDiagnostic, len(l.diagnostics[runID]))
	copy(out, l.diagnostics[runID])
	return out
}

func (l *InMemoryLedger) GetArtifactsByRun(ctx context.Context, runID core.RunID) ([]core.Artifact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.runArtifacts[runID]
	out := make([]core.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := l.artifacts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *InMemoryLedger) ListRuns(ctx context.Context, limit int) ([]ports.RunSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ports.RunSummary, 0, len(l.runOrder))
	for i := len(l.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		runID := l.runOrder[i]
		table := l.tables[runID]
		out = append(out, ports.RunSummary{
			RunID:             runID,
			RequestedFeatures: table.Len(),
			TestedFeatures:    table.TestedCount(),
			Fingerprint:       table.Fingerprint(),
			CreatedAt:         table.CreatedAt,
		})
	}
	return out, nil
}

var _ ports.LedgerPort = (*InMemoryLedger)(nil)
