package hdx

import (
	"testing"
)

func TestParseSampleLabel(t *testing.T) {
	tests := []struct {
		label    string
		wantCond Condition
		wantTime float64
		wantRep  int
		hasError bool
	}{
		{"apo_30s_r1", "apo", 30, 1, false},
		{"bound_600s_r2", "bound", 600, 2, false},
		{"wt_low_pH_0.5s_r3", "wt_low_pH", 0.5, 3, false},
		{"apo_0s_r1", "apo", 0, 1, false},
		{"apo_30s", "", 0, 0, true},
		{"apo_r1", "", 0, 0, true},
		{"apo_30s_r0", "", 0, 0, true},
		{"", "", 0, 0, true},
	}

	for _, test := range tests {
		p, err := ParseSampleLabel(test.label)
		if test.hasError {
			if err == nil {
				t.Errorf("Expected error for label %q, got none", test.label)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for label %q: %v", test.label, err)
			continue
		}
		if p.Condition != test.wantCond || p.Time != test.wantTime || p.Replicate != test.wantRep {
			t.Errorf("Label %q: expected %s/%g/%d, got %s/%g/%d",
				test.label, test.wantCond, test.wantTime, test.wantRep, p.Condition, p.Time, p.Replicate)
		}
	}
}

func TestDesignFromLabels(t *testing.T) {
	d, err := DesignFromLabels([]string{"apo_30s_r1", "apo_30s_r2", "bound_30s_r1", "bound_30s_r2"})
	if err != nil {
		t.Fatalf("DesignFromLabels failed: %v", err)
	}
	if d.Len() != 4 {
		t.Errorf("Expected 4 samples, got %d", d.Len())
	}
	conds := d.Conditions()
	if len(conds) != 2 || conds[0] != "apo" || conds[1] != "bound" {
		t.Errorf("Expected [apo bound], got %v", conds)
	}
	if _, ok := d.Resolve("apo_30s_r2"); !ok {
		t.Error("Expected apo_30s_r2 to resolve")
	}
	if _, ok := d.Resolve("missing"); ok {
		t.Error("Expected unknown label to not resolve")
	}
}

func TestNewExposureDesign(t *testing.T) {
	t.Run("rejects duplicate coordinates", func(t *testing.T) {
		_, err := NewExposureDesign(map[string]SamplePoint{
			"a": {Time: 30, Condition: "apo", Replicate: 1},
			"b": {Time: 30, Condition: "apo", Replicate: 1},
		})
		if err == nil {
			t.Fatal("Expected error for two labels with identical coordinates")
		}
	})

	t.Run("rejects empty design", func(t *testing.T) {
		if _, err := NewExposureDesign(nil); err == nil {
			t.Fatal("Expected error for empty design")
		}
	})

	t.Run("rejects bad replicate", func(t *testing.T) {
		_, err := NewExposureDesign(map[string]SamplePoint{
			"a": {Time: 30, Condition: "apo", Replicate: 0},
		})
		if err == nil {
			t.Fatal("Expected error for replicate 0")
		}
	})
}

func TestDesignObservations(t *testing.T) {
	d, err := DesignFromLabels([]string{"apo_30s_r1", "apo_600s_r1", "bound_30s_r1"})
	if err != nil {
		t.Fatalf("DesignFromLabels failed: %v", err)
	}

	// bound_30s_r1 missing from the values map: skipped, not an error.
	obs := d.Observations("pep1", map[string]float64{
		"apo_30s_r1":  1.5,
		"apo_600s_r1": 3.2,
	})
	if len(obs) != 2 {
		t.Fatalf("Expected 2 observations, got %d", len(obs))
	}
	for _, o := range obs {
		if o.Feature != "pep1" {
			t.Errorf("Expected feature pep1, got %s", o.Feature)
		}
		if o.Condition != "apo" {
			t.Errorf("Expected condition apo, got %s", o.Condition)
		}
	}
}
