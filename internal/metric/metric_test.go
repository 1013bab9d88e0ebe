package metric_test

import (
	"math"
	"testing"

	"github.com/isoctl/isoctl/internal/metric"
)

func TestRing_PushEvictsOldest(t *testing.T) {
	r := metric.NewRing(2)
	r.Push(metric.Sample{Instructions: 1})
	r.Push(metric.Sample{Instructions: 2})
	r.Push(metric.Sample{Instructions: 3})

	if got := r.Len(); got != 2 {
		t.Fatalf("expected len 2, got %d", got)
	}
	latest, ok := r.Latest()
	if !ok || latest.Instructions != 3 {
		t.Fatalf("expected latest instructions=3, got %+v ok=%v", latest, ok)
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Instructions != 3 || snap[1].Instructions != 2 {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
}

func TestRing_LatestEmpty(t *testing.T) {
	r := metric.NewRing(4)
	if _, ok := r.Latest(); ok {
		t.Fatal("expected ok=false on empty ring")
	}
}

func TestRing_Clear(t *testing.T) {
	r := metric.NewRing(4)
	r.Push(metric.Sample{Instructions: 1})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after Clear, got len %d", r.Len())
	}
}

func TestRing_Mean(t *testing.T) {
	r := metric.NewRing(4)
	r.Push(metric.Sample{Instructions: 10, IntervalMS: 100})
	r.Push(metric.Sample{Instructions: 20, IntervalMS: 100})
	mean, ok := r.Mean()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if mean.Instructions != 15 {
		t.Fatalf("expected mean instructions 15, got %d", mean.Instructions)
	}
}

func TestSample_L3HitRatio(t *testing.T) {
	s := metric.Sample{L3Miss: 10, L2Miss: 100}
	got := s.L3HitRatio()
	want := 1 - 10.0/100
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.4f, got %.4f", want, got)
	}
}

func TestSample_L3HitRatio_ZeroL2Miss(t *testing.T) {
	s := metric.Sample{L3Miss: 0, L2Miss: 0}
	if got := s.L3HitRatio(); got != 1 {
		t.Fatalf("expected 1 when no L2 misses occurred, got %v", got)
	}
}

func TestSample_L3IntensityAndMemIntensity(t *testing.T) {
	// LLCOccupancy is half of llcSize; l2miss/l3miss split evenly, so
	// l3hit_ratio = 0.5 and both weighted intensities land at 0.25.
	s := metric.Sample{L2Miss: 100, L3Miss: 50, LLCOccupancy: 20971520}
	if got := s.L3Intensity(); math.Abs(got-0.25) > 1e-6 {
		t.Fatalf("expected l3 intensity ~0.25, got %v", got)
	}
	if got := s.MemIntensity(); math.Abs(got-0.25) > 1e-6 {
		t.Fatalf("expected mem intensity ~0.25, got %v", got)
	}
}

func TestSample_RatesUseIntervalSeconds(t *testing.T) {
	s := metric.Sample{LocalMemByte: 1000, IntervalMS: 500}
	if got := s.LocalMemRate(); got != 2000 {
		t.Fatalf("expected 2000 B/s, got %v", got)
	}
}

func TestComputeDiff(t *testing.T) {
	cur := metric.Sample{L3Miss: 40, L2Miss: 100, LocalMemByte: 80, IntervalMS: 1000}
	solo := metric.Sample{L3Miss: 10, L2Miss: 100, LocalMemByte: 40, IntervalMS: 1000}

	d := metric.ComputeDiff(cur, solo)

	wantHit := cur.L3HitRatio() - solo.L3HitRatio()
	if math.Abs(d.L3HitRatio-wantHit) > 1e-9 {
		t.Errorf("L3HitRatio diff = %v, want %v", d.L3HitRatio, wantHit)
	}
	wantMem := cur.LocalMemRate()/solo.LocalMemRate() - 1
	if math.Abs(d.LocalMemRate-wantMem) > 1e-9 {
		t.Errorf("LocalMemRate diff = %v, want %v", d.LocalMemRate, wantMem)
	}
}

func TestComputeDiff_ZeroSoloRate(t *testing.T) {
	cur := metric.Sample{LocalMemByte: 80, IntervalMS: 1000}
	solo := metric.Sample{LocalMemByte: 0, IntervalMS: 1000}
	d := metric.ComputeDiff(cur, solo)
	if d.LocalMemRate != 0 {
		t.Fatalf("expected 0 when solo rate is 0, got %v", d.LocalMemRate)
	}
}
