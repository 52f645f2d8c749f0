package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Domain-specific hash types
type (
	TableFingerprint Hash
	DatasetHash      Hash
)

// Constructors
func NewTableFingerprint(data []byte) TableFingerprint { return TableFingerprint(NewHash(data)) }
func NewDatasetHash(data []byte) DatasetHash           { return DatasetHash(NewHash(data)) }

// String conversions
func (h TableFingerprint) String() string { return Hash(h).String() }
func (h DatasetHash) String() string      { return Hash(h).String() }

// ComputeTableFingerprint hashes a keyed set of row summaries in a
// deterministic order so two identical result tables fingerprint equally
// regardless of how they were assembled.
func ComputeTableFingerprint(rows map[string]string) TableFingerprint {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data strings.Builder
	for _, key := range keys {
		data.WriteString(key)
		data.WriteString("=")
		data.WriteString(rows[key])
		data.WriteString("\n")
	}

	return NewTableFingerprint([]byte(data.String()))
}
