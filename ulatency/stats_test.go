package ulatency

import (
	"testing"
	"time"
)

// within checks got against want at the given relative tolerance.
func within(t *testing.T, name string, got, want time.Duration, tolerance float64) {
	t.Helper()

	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) > float64(want)*tolerance {
		t.Errorf("%s: expected ~%v, got %v", name, want, got)
	}
}

func TestRecorderPercentiles(t *testing.T) {
	r := NewRecorder()
	for i := 1; i <= 1000; i++ {
		if !r.Record(time.Duration(i) * time.Microsecond) {
			t.Fatalf("Failed to record %dus", i)
		}
	}

	s := r.Stats()
	if s.Count != 1000 || s.Dropped != 0 {
		t.Fatalf("Expected 1000 samples and none dropped, got %d/%d", s.Count, s.Dropped)
	}

	// 3 significant digits
	within(t, "min", s.Min, time.Microsecond, 0.001)
	within(t, "max", s.Max, time.Millisecond, 0.001)
	within(t, "avg", s.Avg, 500500*time.Nanosecond, 0.01)
	// population stddev of 1..1000 is 288.675
	within(t, "stddev", s.StdDev, 288675*time.Nanosecond, 0.01)

	expected := map[float64]time.Duration{
		50:   500 * time.Microsecond,
		75:   750 * time.Microsecond,
		90:   900 * time.Microsecond,
		95:   950 * time.Microsecond,
		99:   990 * time.Microsecond,
		99.5: 995 * time.Microsecond,
		99.9: 999 * time.Microsecond,
	}
	if len(s.Percentiles) != len(expected) {
		t.Fatalf("Expected %d percentiles, got %d", len(expected), len(s.Percentiles))
	}
	for p, want := range expected {
		within(t, "p"+formatPercentile(p), s.At(p), want, 0.001)
	}
}

func TestRecorderDropsOutOfRange(t *testing.T) {
	r := NewRecorder()

	if r.Record(time.Duration(HistogramMax) * 4) {
		t.Error("Expected a value far above the histogram range to be dropped")
	}
	r.Record(time.Millisecond)

	s := r.Stats()
	if s.Count != 1 || s.Dropped != 1 {
		t.Errorf("Expected 1 recorded and 1 dropped, got %d/%d", s.Count, s.Dropped)
	}
}

func TestRecorderMerge(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.Record(time.Millisecond)
	b.Record(3 * time.Millisecond)
	b.Record(time.Duration(HistogramMax) * 4)

	a.Merge(b)

	s := a.Stats()
	if s.Count != 2 || s.Dropped != 1 {
		t.Fatalf("Expected 2 recorded and 1 dropped, got %d/%d", s.Count, s.Dropped)
	}
	within(t, "max", s.Max, 3*time.Millisecond, 0.001)
}

func TestRecorderEmpty(t *testing.T) {
	r := NewRecorder()
	r.Record(time.Millisecond)
	r.Reset()

	s := r.Stats()
	if s.Count != 0 || s.Min != 0 || s.Max != 0 || s.At(99) != 0 {
		t.Errorf("Unexpected stats for an empty recorder: %+v", s)
	}
}
