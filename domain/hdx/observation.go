package hdx

import (
	"fmt"
	"math"
	"sort"

	"gohdx/domain/core"
)

// Condition labels an experimental state (apo, ligand-bound, mutant, ...)
type Condition string

// String returns the string representation
func (c Condition) String() string { return string(c) }

// Observation is a single uptake measurement for one feature: labeling time
// in seconds, condition label, replicate index, and deuterium uptake in Da.
type Observation struct {
	Feature   core.FeatureID `json:"feature"`
	Time      float64        `json:"time_sec"`
	Condition Condition      `json:"condition"`
	Replicate int            `json:"replicate"`
	Uptake    float64        `json:"uptake"`
}

// Valid reports whether the observation is structurally usable. A non-finite
// uptake is not an error here; series construction drops such points and
// counts them, so a corrupted cell degrades one feature instead of a batch.
func (o Observation) Valid() error {
	if o.Feature.String() == "" {
		return core.NewValidationError("feature", "empty feature ID")
	}
	if math.IsNaN(o.Time) || math.IsInf(o.Time, 0) || o.Time < 0 {
		return core.NewValidationError("time_sec", fmt.Sprintf("must be finite and non-negative, got %v", o.Time))
	}
	if o.Condition == "" {
		return core.NewValidationError("condition", "empty condition label")
	}
	if o.Replicate < 1 {
		return core.NewValidationError("replicate", fmt.Sprintf("must be >= 1, got %d", o.Replicate))
	}
	return nil
}

// IsFinite reports whether the uptake value is a usable number
func (o Observation) IsFinite() bool {
	return !math.IsNaN(o.Uptake) && !math.IsInf(o.Uptake, 0)
}

// FeatureSeries holds every usable observation for one feature across all
// conditions, times and replicates, sorted by (condition, time, replicate).
// Dropped counts observations discarded for non-finite uptake.
type FeatureSeries struct {
	Feature      core.FeatureID `json:"feature"`
	Observations []Observation  `json:"observations"`
	Dropped      int            `json:"dropped"`
}

// NewFeatureSeries builds a series from raw observations. Non-finite uptake
// values are dropped and counted. Duplicate (condition, time, replicate)
// triples and structurally invalid observations are errors: they indicate a
// broken design mapping, not a bad measurement.
func NewFeatureSeries(feature core.FeatureID, obs []Observation) (FeatureSeries, error) {
	if feature.String() == "" {
		return FeatureSeries{}, core.NewValidationError("feature", "empty feature ID")
	}

	kept := make([]Observation, 0, len(obs))
	dropped := 0
	seen := make(map[string]bool, len(obs))
	for _, o := range obs {
		if o.Feature != feature {
			return FeatureSeries{}, core.NewValidationError("feature",
				fmt.Sprintf("observation for %s in series for %s", o.Feature, feature))
		}
		if err := o.Valid(); err != nil {
			return FeatureSeries{}, err
		}
		if !o.IsFinite() {
			dropped++
			continue
		}
		key := fmt.Sprintf("%s|%.9g|%d", o.Condition, o.Time, o.Replicate)
		if seen[key] {
			return FeatureSeries{}, core.NewValidationError("observations",
				fmt.Sprintf("duplicate point %s t=%gs replicate %d for feature %s", o.Condition, o.Time, o.Replicate, feature))
		}
		seen[key] = true
		kept = append(kept, o)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Condition != kept[j].Condition {
			return kept[i].Condition < kept[j].Condition
		}
		if kept[i].Time != kept[j].Time {
			return kept[i].Time < kept[j].Time
		}
		return kept[i].Replicate < kept[j].Replicate
	})

	return FeatureSeries{Feature: feature, Observations: kept, Dropped: dropped}, nil
}

// MustFeatureSeries builds a series or panics. Test helper.
func MustFeatureSeries(feature core.FeatureID, obs []Observation) FeatureSeries {
	s, err := NewFeatureSeries(feature, obs)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of usable observations
func (s FeatureSeries) Len() int { return len(s.Observations) }

// IsEmpty reports whether the series has no usable observations
func (s FeatureSeries) IsEmpty() bool { return len(s.Observations) == 0 }

// Conditions returns the distinct condition labels in sorted order
func (s FeatureSeries) Conditions() []Condition {
	set := make(map[Condition]bool)
	for _, o := range s.Observations {
		set[o.Condition] = true
	}
	out := make([]Condition, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DistinctTimes returns the distinct labeling times in ascending order
func (s FeatureSeries) DistinctTimes() []float64 {
	set := make(map[float64]bool)
	for _, o := range s.Observations {
		set[o.Time] = true
	}
	out := make([]float64, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Float64s(out)
	return out
}

// Uptakes returns the uptake values in series order
func (s FeatureSeries) Uptakes() []float64 {
	out := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Uptake
	}
	return out
}

// Times returns the labeling times in series order (one per observation)
func (s FeatureSeries) Times() []float64 {
	out := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Time
	}
	return out
}

// ByCondition splits the series into per-condition sub-series, keyed by
// condition, each preserving the series sort order.
func (s FeatureSeries) ByCondition() map[Condition][]Observation {
	out := make(map[Condition][]Observation)
	for _, o := range s.Observations {
		out[o.Condition] = append(out[o.Condition], o)
	}
	return out
}
