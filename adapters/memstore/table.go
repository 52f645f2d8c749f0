// Package memstore provides an in-memory tabular feature container. It is
// the reference SeriesSource implementation: loaders parse whatever upstream
// format they handle into observations, hand them here, and the engine reads
// through the ports.SeriesSource interface without ever seeing columns.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
	"gohdx/ports"
)

// Record is one feature's row in a wide per-sample layout: a feature ID plus
// sample-label -> uptake values. Missing labels are allowed (blank cells).
type Record struct {
	Feature core.FeatureID
	Values  map[string]float64
}

// FeatureTable holds per-feature series keyed by ID, preserving the order
// features were added. Reads are safe for concurrent use by batch workers.
type FeatureTable struct {
	mu     sync.RWMutex
	order  []core.FeatureID
	series map[core.FeatureID]hdx.FeatureSeries
}

// NewFeatureTable creates an empty table
func NewFeatureTable() *FeatureTable {
	return &FeatureTable{series: make(map[core.FeatureID]hdx.FeatureSeries)}
}

// FromSeries builds a table from prebuilt series, keeping slice order.
func FromSeries(series []hdx.FeatureSeries) (*FeatureTable, error) {
	t := NewFeatureTable()
	for _, s := range series {
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromObservations groups a flat observation list into per-feature series.
// Features keep first-appearance order.
func FromObservations(obs []hdx.Observation) (*FeatureTable, error) {
	grouped := make(map[core.FeatureID][]hdx.Observation)
	var order []core.FeatureID
	for _, o := range obs {
		if _, seen := grouped[o.Feature]; !seen {
			order = append(order, o.Feature)
		}
		grouped[o.Feature] = append(grouped[o.Feature], o)
	}

	t := NewFeatureTable()
	for _, f := range order {
		s, err := hdx.NewFeatureSeries(f, grouped[f])
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", f, err)
		}
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromRecords resolves wide per-sample records against an exposure design.
// Labels the design does not know are an error; labels missing from a record
// are skipped as blank cells.
func FromRecords(design *hdx.ExposureDesign, records []Record) (*FeatureTable, error) {
	if design == nil {
		return nil, fmt.Errorf("%w: nil design", core.ErrInvalidDesign)
	}
	t := NewFeatureTable()
	for _, rec := range records {
		for label := range rec.Values {
			if _, ok := design.Resolve(label); !ok {
				return nil, fmt.Errorf("%w: feature %s has value for unknown sample %q",
					core.ErrInvalidDesign, rec.Feature, label)
			}
		}
		obs := design.Observations(rec.Feature, rec.Values)
		s, err := hdx.NewFeatureSeries(rec.Feature, obs)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", rec.Feature, err)
		}
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add appends one feature's series. Re-adding a feature is an error so a
// loader bug cannot silently overwrite data.
func (t *FeatureTable) Add(series hdx.FeatureSeries) error {
	if series.Feature == "" {
		return fmt.Errorf("series without a feature ID")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.series[series.Feature]; exists {
		return fmt.Errorf("feature %s already present", series.Feature)
	}
	t.order = append(t.order, series.Feature)
	t.series[series.Feature] = series
	return nil
}

// Len returns the number of features in the table
func (t *FeatureTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Features lists feature IDs in insertion order
func (t *FeatureTable) Features(ctx context.Context) ([]core.FeatureID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.FeatureID, len(t.order))
	copy(out, t.order)
	return out, nil
}

// Series returns one feature's observations
func (t *FeatureTable) Series(ctx context.Context, feature core.FeatureID) (hdx.FeatureSeries, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.series[feature]
	if !ok {
		return hdx.FeatureSeries{}, fmt.Errorf("%w %s", core.ErrFeatureNotFound, feature)
	}
	return s, nil
}

var _ ports.SeriesSource = (*FeatureTable)(nil)
