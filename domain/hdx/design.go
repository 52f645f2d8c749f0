package hdx

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"gohdx/domain/core"
)

// SamplePoint resolves one sample column to its experimental coordinates.
type SamplePoint struct {
	Time      float64   `json:"time_sec"`
	Condition Condition `json:"condition"`
	Replicate int       `json:"replicate"`
}

// ExposureDesign maps sample labels (column names in the upstream
// quantitation table) to (time, condition, replicate) coordinates. It can be
// supplied explicitly or parsed from a naming convention.
type ExposureDesign struct {
	points map[string]SamplePoint
	labels []string
}

// NewExposureDesign builds a design from an explicit label -> point mapping.
func NewExposureDesign(points map[string]SamplePoint) (*ExposureDesign, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no sample points", core.ErrInvalidDesign)
	}
	labels := make([]string, 0, len(points))
	seen := make(map[string]bool, len(points))
	for label, p := range points {
		if label == "" {
			return nil, fmt.Errorf("%w: empty sample label", core.ErrInvalidDesign)
		}
		if p.Time < 0 {
			return nil, fmt.Errorf("%w: sample %s has negative time %g", core.ErrInvalidDesign, label, p.Time)
		}
		if p.Condition == "" {
			return nil, fmt.Errorf("%w: sample %s has empty condition", core.ErrInvalidDesign, label)
		}
		if p.Replicate < 1 {
			return nil, fmt.Errorf("%w: sample %s has replicate %d", core.ErrInvalidDesign, label, p.Replicate)
		}
		key := fmt.Sprintf("%s|%.9g|%d", p.Condition, p.Time, p.Replicate)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate coordinates %s t=%gs replicate %d", core.ErrInvalidDesign, p.Condition, p.Time, p.Replicate)
		}
		seen[key] = true
		labels = append(labels, label)
	}
	sort.Strings(labels)

	copied := make(map[string]SamplePoint, len(points))
	for k, v := range points {
		copied[k] = v
	}
	return &ExposureDesign{points: copied, labels: labels}, nil
}

// sampleLabelPattern is the parsing convention for sample labels:
// <condition>_<seconds>s_r<replicate>, e.g. "apo_30s_r1", "bound_600s_r2".
// Seconds may carry a decimal part.
var sampleLabelPattern = regexp.MustCompile(`^(.+)_([0-9]+(?:\.[0-9]+)?)s_r([0-9]+)$`)

// ParseSampleLabel resolves one label under the naming convention.
func ParseSampleLabel(label string) (SamplePoint, error) {
	m := sampleLabelPattern.FindStringSubmatch(label)
	if m == nil {
		return SamplePoint{}, fmt.Errorf("%w: label %q does not match <condition>_<seconds>s_r<replicate>", core.ErrInvalidDesign, label)
	}
	t, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return SamplePoint{}, fmt.Errorf("%w: label %q time: %v", core.ErrInvalidDesign, label, err)
	}
	rep, err := strconv.Atoi(m[3])
	if err != nil || rep < 1 {
		return SamplePoint{}, fmt.Errorf("%w: label %q replicate", core.ErrInvalidDesign, label)
	}
	return SamplePoint{Time: t, Condition: Condition(m[1]), Replicate: rep}, nil
}

// DesignFromLabels parses every label under the naming convention.
func DesignFromLabels(labels []string) (*ExposureDesign, error) {
	points := make(map[string]SamplePoint, len(labels))
	for _, label := range labels {
		p, err := ParseSampleLabel(label)
		if err != nil {
			return nil, err
		}
		points[label] = p
	}
	return NewExposureDesign(points)
}

// Resolve returns the coordinates of a sample label
func (d *ExposureDesign) Resolve(label string) (SamplePoint, bool) {
	p, ok := d.points[label]
	return p, ok
}

// Labels returns all sample labels in sorted order
func (d *ExposureDesign) Labels() []string {
	out := make([]string, len(d.labels))
	copy(out, d.labels)
	return out
}

// Len returns the number of samples in the design
func (d *ExposureDesign) Len() int { return len(d.points) }

// Conditions returns the distinct conditions in sorted order
func (d *ExposureDesign) Conditions() []Condition {
	set := make(map[Condition]bool)
	for _, p := range d.points {
		set[p.Condition] = true
	}
	out := make([]Condition, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Observations resolves a feature's per-sample values into observations,
// skipping labels absent from the values map (missing cells are allowed).
func (d *ExposureDesign) Observations(feature core.FeatureID, values map[string]float64) []Observation {
	out := make([]Observation, 0, len(values))
	for _, label := range d.labels {
		v, ok := values[label]
		if !ok {
			continue
		}
		p := d.points[label]
		out = append(out, Observation{
			Feature:   feature,
			Time:      p.Time,
			Condition: p.Condition,
			Replicate: p.Replicate,
			Uptake:    v,
		})
	}
	return out
}
