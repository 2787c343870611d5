// Package metrics implements the EngineMetrics counters/histograms behind
// the supplemented /admin/metrics endpoint. Adapted from the teacher's
// internal/monitor.SystemMetrics: same sliding-window latency histogram
// with lazy stats recomputation, narrowed to the two latencies the risk
// engine's event loop actually produces (event-loop step latency and
// ActionExecutor run latency) instead of the teacher's order/strategy/db
// triple, and dropped the teacher's gateway-pool/multi-user gauges since
// this engine has no connection pool to report on.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram tracks latency samples with a sliding window and lazy
// recomputation of derived stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram of the given size.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed percentile statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min/max/avg/p50/p95/p99, recomputing only when dirty.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min: sorted[0], Max: sorted[n-1], Avg: sum / float64(n),
		P50: sorted[n/2], P95: sorted[int(float64(n)*0.95)], P99: sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// Timer measures elapsed time and records it into a histogram on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer that will record into h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

// Metrics tracks the risk engine's event-loop and action-executor
// performance plus coarse throughput/error counters.
type Metrics struct {
	EventLoopLatency *LatencyHistogram
	ActionLatency    *LatencyHistogram

	balanceUpdatesProcessed uint64
	violationsDetected      uint64
	actionsExecuted         uint64
	actionsFailed           uint64
	errorsCount             uint64
}

// New builds a Metrics instance.
func New() *Metrics {
	return &Metrics{
		EventLoopLatency: NewLatencyHistogram(1000),
		ActionLatency:    NewLatencyHistogram(1000),
	}
}

func (m *Metrics) IncrementBalanceUpdates()  { atomic.AddUint64(&m.balanceUpdatesProcessed, 1) }
func (m *Metrics) IncrementViolations()      { atomic.AddUint64(&m.violationsDetected, 1) }
func (m *Metrics) IncrementActionsExecuted() { atomic.AddUint64(&m.actionsExecuted, 1) }
func (m *Metrics) IncrementActionsFailed()   { atomic.AddUint64(&m.actionsFailed, 1) }
func (m *Metrics) IncrementErrors()          { atomic.AddUint64(&m.errorsCount, 1) }

// Snapshot is a point-in-time rendering of Metrics for the admin API.
type Snapshot struct {
	EventLoopLatency        LatencyStats `json:"eventLoopLatency"`
	ActionLatency           LatencyStats `json:"actionLatency"`
	BalanceUpdatesProcessed uint64       `json:"balanceUpdatesProcessed"`
	ViolationsDetected      uint64       `json:"violationsDetected"`
	ActionsExecuted         uint64       `json:"actionsExecuted"`
	ActionsFailed           uint64       `json:"actionsFailed"`
	ErrorsCount             uint64       `json:"errorsCount"`
	GoroutineCount          int          `json:"goroutineCount"`
	HeapAllocBytes          uint64       `json:"heapAllocBytes"`
	Timestamp               time.Time    `json:"timestamp"`
}

// GetSnapshot renders the current state of all counters and histograms.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		EventLoopLatency:        m.EventLoopLatency.Stats(),
		ActionLatency:           m.ActionLatency.Stats(),
		BalanceUpdatesProcessed: atomic.LoadUint64(&m.balanceUpdatesProcessed),
		ViolationsDetected:      atomic.LoadUint64(&m.violationsDetected),
		ActionsExecuted:         atomic.LoadUint64(&m.actionsExecuted),
		ActionsFailed:           atomic.LoadUint64(&m.actionsFailed),
		ErrorsCount:             atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:          runtime.NumGoroutine(),
		HeapAllocBytes:          mem.HeapAlloc,
		Timestamp:               time.Now(),
	}
}
