package memstore

import (
	"context"
	"errors"
	"testing"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
)

func obs(f string, t float64, cond string, rep int, v float64) hdx.Observation {
	return hdx.Observation{
		Feature:   core.FeatureID(f),
		Time:      t,
		Condition: hdx.Condition(cond),
		Replicate: rep,
		Uptake:    v,
	}
}

func TestFromObservations_GroupsByFirstAppearance(t *testing.T) {
	table, err := FromObservations([]hdx.Observation{
		obs("PEP-B", 0, "apo", 1, 0.1),
		obs("PEP-A", 0, "apo", 1, 0.2),
		obs("PEP-B", 30, "apo", 1, 1.4),
		obs("PEP-A", 30, "apo", 1, 1.1),
		obs("PEP-B", 30, "bound", 1, 0.9),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	features, err := table.Features(context.Background())
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if len(features) != 2 || features[0] != "PEP-B" || features[1] != "PEP-A" {
		t.Fatalf("feature order = %v, want [PEP-B PEP-A]", features)
	}

	series, err := table.Series(context.Background(), "PEP-B")
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if series.Len() != 3 {
		t.Errorf("PEP-B has %d observations, want 3", series.Len())
	}
}

func TestFromObservations_DuplicateCoordinates(t *testing.T) {
	_, err := FromObservations([]hdx.Observation{
		obs("PEP-A", 30, "apo", 1, 1.1),
		obs("PEP-A", 30, "apo", 1, 1.2),
	})
	if err == nil {
		t.Fatal("duplicate (condition, time, replicate) must be rejected")
	}
}

func TestFromRecords_ResolvesDesign(t *testing.T) {
	design, err := hdx.DesignFromLabels([]string{
		"apo_0s_r1", "apo_30s_r1", "bound_0s_r1", "bound_30s_r1",
	})
	if err != nil {
		t.Fatalf("design: %v", err)
	}

	table, err := FromRecords(design, []Record{
		{Feature: "PEP-A", Values: map[string]float64{
			"apo_0s_r1": 0.2, "apo_30s_r1": 1.5, "bound_0s_r1": 0.3,
			// bound_30s_r1 left blank
		}},
		{Feature: "PEP-B", Values: map[string]float64{
			"apo_0s_r1": 0.1, "apo_30s_r1": 2.0, "bound_0s_r1": 0.1, "bound_30s_r1": 1.0,
		}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	a, err := table.Series(context.Background(), "PEP-A")
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if a.Len() != 3 {
		t.Errorf("blank cell should be skipped: PEP-A has %d observations, want 3", a.Len())
	}

	b, _ := table.Series(context.Background(), "PEP-B")
	if got := b.Conditions(); len(got) != 2 {
		t.Errorf("PEP-B conditions = %v", got)
	}
}

func TestFromRecords_UnknownSampleLabel(t *testing.T) {
	design, err := hdx.DesignFromLabels([]string{"apo_0s_r1"})
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	_, err = FromRecords(design, []Record{
		{Feature: "PEP-A", Values: map[string]float64{"apo_0s_r1": 0.2, "mystery_col": 1.0}},
	})
	if !errors.Is(err, core.ErrInvalidDesign) {
		t.Fatalf("expected ErrInvalidDesign, got %v", err)
	}
}

func TestFromSeries_KeepsSliceOrder(t *testing.T) {
	a, err := hdx.NewFeatureSeries("PEP-A", []hdx.Observation{obs("PEP-A", 0, "apo", 1, 0.2)})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	b, err := hdx.NewFeatureSeries("PEP-B", []hdx.Observation{obs("PEP-B", 0, "apo", 1, 0.1)})
	if err != nil {
		t.Fatalf("series: %v", err)
	}

	table, err := FromSeries([]hdx.FeatureSeries{b, a})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	features, _ := table.Features(context.Background())
	if len(features) != 2 || features[0] != "PEP-B" || features[1] != "PEP-A" {
		t.Fatalf("feature order = %v, want [PEP-B PEP-A]", features)
	}
}

func TestFeatureTable_UnknownFeature(t *testing.T) {
	table := NewFeatureTable()
	_, err := table.Series(context.Background(), "PEP-MISSING")
	if !errors.Is(err, core.ErrFeatureNotFound) {
		t.Fatalf("expected ErrFeatureNotFound, got %v", err)
	}
	if !core.IsNotFoundError(err) {
		t.Error("lookup failure should satisfy IsNotFoundError")
	}
}

func TestFeatureTable_DuplicateFeature(t *testing.T) {
	series, err := hdx.NewFeatureSeries("PEP-A", []hdx.Observation{obs("PEP-A", 0, "apo", 1, 0.2)})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	table := NewFeatureTable()
	if err := table.Add(series); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := table.Add(series); err == nil {
		t.Fatal("second add of the same feature must fail")
	}
	if table.Len() != 1 {
		t.Errorf("table length = %d, want 1", table.Len())
	}
}
