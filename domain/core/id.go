package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID represents a domain identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	// Use UUID v7 for time-ordered, sortable IDs
	// Falls back to v4 if v7 is not available (for compatibility)
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// Domain-specific ID types.
// FeatureID is a natural key supplied by the caller (peptide, charge state,
// protein region - whatever the upstream quantitation uses); RunID and
// BatchID are generated.
type (
	FeatureID  ID
	RunID      ID
	BatchID    ID
	ArtifactID ID
)

// String conversions for domain IDs
func (id FeatureID) String() string  { return ID(id).String() }
func (id RunID) String() string      { return ID(id).String() }
func (id BatchID) String() string    { return ID(id).String() }
func (id ArtifactID) String() string { return ID(id).String() }

// NewRunID generates a fresh run identifier
func NewRunID() RunID {
	return RunID(NewID())
}

// NewBatchID generates a fresh batch identifier
func NewBatchID() BatchID {
	return BatchID(NewID())
}

// ParseFeatureID parses a string into FeatureID
func ParseFeatureID(s string) (FeatureID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("feature ID cannot be empty")
	}
	return FeatureID(s), nil
}

// ParseRunID parses a string into RunID
func ParseRunID(s string) (RunID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("run ID cannot be empty")
	}
	return RunID(s), nil
}

// ParseBatchID parses a string into BatchID
func ParseBatchID(s string) (BatchID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("batch ID cannot be empty")
	}
	return BatchID(s), nil
}

// Artifact represents any recorded output of an analysis run
type Artifact struct {
	ID        ID           `json:"id"`
	Kind      ArtifactKind `json:"kind"`
	RunID     RunID        `json:"run_id"`
	Payload   interface{}  `json:"payload"`
	CreatedAt Timestamp    `json:"created_at"`
}

// ArtifactKind defines types of artifacts
type ArtifactKind string

const (
	// ArtifactResultTable is the per-feature result table of a run.
	ArtifactResultTable ArtifactKind = "result_table"
	// ArtifactFitDiagnostics records which features could not be tested and why.
	ArtifactFitDiagnostics ArtifactKind = "fit_diagnostics"
	// ArtifactModerationState captures the fitted variance prior of a run.
	ArtifactModerationState ArtifactKind = "moderation_state"
	// ArtifactBatchManifest captures audit metadata for a run (counts, settings, fingerprint).
	ArtifactBatchManifest ArtifactKind = "batch_manifest"
	// ArtifactDataset records a synthetic dataset emitted by the test kit.
	ArtifactDataset ArtifactKind = "dataset"
)

// NewArtifact wraps a payload as an artifact stamped with the current time
func NewArtifact(kind ArtifactKind, runID RunID, payload interface{}) Artifact {
	return Artifact{
		ID:        NewID(),
		Kind:      kind,
		RunID:     runID,
		Payload:   payload,
		CreatedAt: Now(),
	}
}
