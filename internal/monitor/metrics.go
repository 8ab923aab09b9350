package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram tracks latency samples over a sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
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

// RecordDuration converts d to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95 and p99, recomputed only after new samples.
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
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Metrics counts monitor activity.
type Metrics struct {
	Sweep         *LatencyHistogram
	PriceFetch    *LatencyHistogram
	sweeps        atomic.Uint64
	overlaps      atomic.Uint64
	halted        atomic.Uint64
	evaluated     atomic.Uint64
	priceFailures atomic.Uint64
	busySkips     atomic.Uint64
	triggers      atomic.Uint64
	closeFailures atomic.Uint64
	lastDuration  atomic.Int64
}

func newMetrics() *Metrics {
	return &Metrics{Sweep: NewLatencyHistogram(500), PriceFetch: NewLatencyHistogram(1000)}
}

// MetricsSnapshot is a point-in-time copy of Metrics plus process runtime figures.
type MetricsSnapshot struct {
	Sweeps          uint64       `json:"sweeps"`
	SkippedOverlaps uint64       `json:"skipped_overlaps"`
	Halted          uint64       `json:"halted"`
	Evaluated       uint64       `json:"evaluated"`
	PriceFailures   uint64       `json:"price_failures"`
	BusySkips       uint64       `json:"busy_skips"`
	Triggers        uint64       `json:"triggers"`
	CloseFailures   uint64       `json:"close_failures"`
	Degraded        int          `json:"degraded"`
	LastDuration    string       `json:"last_duration"`
	SweepLatency    LatencyStats `json:"sweep_latency"`
	PriceLatency    LatencyStats `json:"price_latency"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (m *Metrics) snapshot(degraded int) MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsSnapshot{
		Sweeps:          m.sweeps.Load(),
		SkippedOverlaps: m.overlaps.Load(),
		Halted:          m.halted.Load(),
		Evaluated:       m.evaluated.Load(),
		PriceFailures:   m.priceFailures.Load(),
		BusySkips:       m.busySkips.Load(),
		Triggers:        m.triggers.Load(),
		CloseFailures:   m.closeFailures.Load(),
		Degraded:        degraded,
		LastDuration:    time.Duration(m.lastDuration.Load()).String(),
		SweepLatency:    m.Sweep.Stats(),
		PriceLatency:    m.PriceFetch.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now().UTC(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
