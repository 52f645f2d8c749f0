package hdx

import (
	"math"
	"testing"

	"gohdx/domain/core"
)

func obs(feature string, cond Condition, t float64, rep int, uptake float64) Observation {
	return Observation{
		Feature:   core.FeatureID(feature),
		Time:      t,
		Condition: cond,
		Replicate: rep,
		Uptake:    uptake,
	}
}

func TestNewFeatureSeries(t *testing.T) {
	t.Run("sorts by condition, time, replicate", func(t *testing.T) {
		s, err := NewFeatureSeries("pep1", []Observation{
			obs("pep1", "bound", 60, 1, 2.0),
			obs("pep1", "apo", 600, 2, 4.1),
			obs("pep1", "apo", 60, 1, 3.0),
			obs("pep1", "apo", 600, 1, 4.0),
		})
		if err != nil {
			t.Fatalf("NewFeatureSeries failed: %v", err)
		}
		want := []struct {
			cond Condition
			time float64
			rep  int
		}{
			{"apo", 60, 1},
			{"apo", 600, 1},
			{"apo", 600, 2},
			{"bound", 60, 1},
		}
		if s.Len() != len(want) {
			t.Fatalf("Expected %d observations, got %d", len(want), s.Len())
		}
		for i, w := range want {
			o := s.Observations[i]
			if o.Condition != w.cond || o.Time != w.time || o.Replicate != w.rep {
				t.Errorf("Position %d: expected %s/%g/%d, got %s/%g/%d",
					i, w.cond, w.time, w.rep, o.Condition, o.Time, o.Replicate)
			}
		}
	})

	t.Run("drops non-finite uptake and counts it", func(t *testing.T) {
		s, err := NewFeatureSeries("pep1", []Observation{
			obs("pep1", "apo", 60, 1, 3.0),
			obs("pep1", "apo", 60, 2, math.NaN()),
			obs("pep1", "apo", 600, 1, math.Inf(1)),
			obs("pep1", "apo", 600, 2, 4.2),
		})
		if err != nil {
			t.Fatalf("NewFeatureSeries failed: %v", err)
		}
		if s.Len() != 2 {
			t.Errorf("Expected 2 usable observations, got %d", s.Len())
		}
		if s.Dropped != 2 {
			t.Errorf("Expected 2 dropped observations, got %d", s.Dropped)
		}
	})

	t.Run("rejects duplicate coordinates", func(t *testing.T) {
		_, err := NewFeatureSeries("pep1", []Observation{
			obs("pep1", "apo", 60, 1, 3.0),
			obs("pep1", "apo", 60, 1, 3.1),
		})
		if err == nil {
			t.Fatal("Expected error for duplicate (condition, time, replicate)")
		}
	})

	t.Run("rejects negative time", func(t *testing.T) {
		_, err := NewFeatureSeries("pep1", []Observation{
			obs("pep1", "apo", -5, 1, 3.0),
		})
		if err == nil {
			t.Fatal("Expected error for negative time")
		}
	})

	t.Run("rejects foreign feature", func(t *testing.T) {
		_, err := NewFeatureSeries("pep1", []Observation{
			obs("pep2", "apo", 60, 1, 3.0),
		})
		if err == nil {
			t.Fatal("Expected error for observation from another feature")
		}
	})

	t.Run("all corrupted leaves empty series", func(t *testing.T) {
		s, err := NewFeatureSeries("pep1", []Observation{
			obs("pep1", "apo", 60, 1, math.NaN()),
			obs("pep1", "apo", 600, 1, math.NaN()),
		})
		if err != nil {
			t.Fatalf("NewFeatureSeries failed: %v", err)
		}
		if !s.IsEmpty() {
			t.Error("Expected empty series when every uptake is non-finite")
		}
		if s.Dropped != 2 {
			t.Errorf("Expected 2 dropped, got %d", s.Dropped)
		}
	})
}

func TestFeatureSeriesAccessors(t *testing.T) {
	s := MustFeatureSeries("pep1", []Observation{
		obs("pep1", "bound", 60, 1, 2.0),
		obs("pep1", "apo", 60, 1, 3.0),
		obs("pep1", "apo", 600, 1, 4.0),
		obs("pep1", "bound", 600, 1, 3.5),
	})

	conds := s.Conditions()
	if len(conds) != 2 || conds[0] != "apo" || conds[1] != "bound" {
		t.Errorf("Expected [apo bound], got %v", conds)
	}

	times := s.DistinctTimes()
	if len(times) != 2 || times[0] != 60 || times[1] != 600 {
		t.Errorf("Expected [60 600], got %v", times)
	}

	byCond := s.ByCondition()
	if len(byCond["apo"]) != 2 || len(byCond["bound"]) != 2 {
		t.Errorf("Expected 2 observations per condition, got apo=%d bound=%d",
			len(byCond["apo"]), len(byCond["bound"]))
	}

	if len(s.Uptakes()) != 4 || len(s.Times()) != 4 {
		t.Errorf("Expected 4 uptakes and 4 times, got %d and %d", len(s.Uptakes()), len(s.Times()))
	}
}
