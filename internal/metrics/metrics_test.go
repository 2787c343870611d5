package metrics

import (
	"testing"
	"time"
)

func TestLatencyHistogram_StatsReflectSamples(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		h.Record(v)
	}
	stats := h.Stats()
	if stats.Count != 5 || stats.Min != 10 || stats.Max != 50 || stats.Avg != 30 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLatencyHistogram_SlidesWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{1, 2, 3, 4} {
		h.Record(v)
	}
	stats := h.Stats()
	if stats.Count != 3 || stats.Min != 2 {
		t.Fatalf("window did not slide: %+v", stats)
	}
}

func TestTimer_RecordsElapsedIntoHistogram(t *testing.T) {
	h := NewLatencyHistogram(10)
	timer := NewTimer(h)
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	if elapsed <= 0 {
		t.Fatalf("elapsed = %v, want > 0", elapsed)
	}
	if h.Stats().Count != 1 {
		t.Fatalf("expected one sample recorded")
	}
}

func TestMetrics_CountersIncrementIndependently(t *testing.T) {
	m := New()
	m.IncrementBalanceUpdates()
	m.IncrementBalanceUpdates()
	m.IncrementViolations()
	m.IncrementActionsExecuted()
	m.IncrementActionsFailed()
	m.IncrementErrors()

	snap := m.GetSnapshot()
	if snap.BalanceUpdatesProcessed != 2 {
		t.Fatalf("BalanceUpdatesProcessed = %d, want 2", snap.BalanceUpdatesProcessed)
	}
	if snap.ViolationsDetected != 1 || snap.ActionsExecuted != 1 || snap.ActionsFailed != 1 || snap.ErrorsCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
