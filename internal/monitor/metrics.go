package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks in-process runtime statistics for the status endpoint.
type SystemMetrics struct {
	mu sync.RWMutex

	CycleLatency   *LatencyHistogram
	OrderLatency   *LatencyHistogram
	AdvisorLatency *LatencyHistogram
	APILatency     *LatencyHistogram

	cycles    uint64
	signals   uint64
	denials   uint64
	orders    uint64
	errors    uint64
	apiCalls  uint64
	apiErrors uint64

	botsRunning  int
	gatewayCount int
	riskEngines  int
	startedAt    time.Time
}

// LatencyHistogram tracks latency samples in a sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CycleLatency:   NewLatencyHistogram(1000),
		OrderLatency:   NewLatencyHistogram(1000),
		AdvisorLatency: NewLatencyHistogram(200),
		APILatency:     NewLatencyHistogram(1000),
		startedAt:      time.Now(),
	}
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
	if h == nil {
		return
	}
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

// Stats returns min, max, avg and percentiles, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	if h == nil {
		return LatencyStats{}
	}
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
		P95:   sorted[int(float64(n-1)*0.95)],
		P99:   sorted[int(float64(n-1)*0.99)],
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

func (m *SystemMetrics) IncrementCycles()    { atomic.AddUint64(&m.cycles, 1) }
func (m *SystemMetrics) IncrementSignals()   { atomic.AddUint64(&m.signals, 1) }
func (m *SystemMetrics) IncrementDenials()   { atomic.AddUint64(&m.denials, 1) }
func (m *SystemMetrics) IncrementOrders()    { atomic.AddUint64(&m.orders, 1) }
func (m *SystemMetrics) IncrementErrors()    { atomic.AddUint64(&m.errors, 1) }
func (m *SystemMetrics) IncrementAPI()       { atomic.AddUint64(&m.apiCalls, 1) }
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// SetCounts updates gauges sampled by the orchestrator.
func (m *SystemMetrics) SetCounts(botsRunning, gateways, riskEngines int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botsRunning = botsRunning
	m.gatewayCount = gateways
	m.riskEngines = riskEngines
	BotsRunning.Set(float64(botsRunning))
}

// MetricsSnapshot is a point-in-time view.
type MetricsSnapshot struct {
	CycleLatency   LatencyStats `json:"cycle_latency"`
	OrderLatency   LatencyStats `json:"order_latency"`
	AdvisorLatency LatencyStats `json:"advisor_latency"`
	APILatency     LatencyStats `json:"api_latency"`
	Cycles         uint64       `json:"cycles"`
	Signals        uint64       `json:"signals"`
	Denials        uint64       `json:"denials"`
	Orders         uint64       `json:"orders"`
	Errors         uint64       `json:"errors"`
	APICalls       uint64       `json:"api_calls"`
	APIErrors      uint64       `json:"api_errors"`
	BotsRunning    int          `json:"bots_running"`
	Gateways       int          `json:"gateways"`
	RiskEngines    int          `json:"risk_engines"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Uptime         string       `json:"uptime"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	bots, gws, risks := m.botsRunning, m.gatewayCount, m.riskEngines
	m.mu.RUnlock()

	return MetricsSnapshot{
		CycleLatency:   m.CycleLatency.Stats(),
		OrderLatency:   m.OrderLatency.Stats(),
		AdvisorLatency: m.AdvisorLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		Cycles:         atomic.LoadUint64(&m.cycles),
		Signals:        atomic.LoadUint64(&m.signals),
		Denials:        atomic.LoadUint64(&m.denials),
		Orders:         atomic.LoadUint64(&m.orders),
		Errors:         atomic.LoadUint64(&m.errors),
		APICalls:       atomic.LoadUint64(&m.apiCalls),
		APIErrors:      atomic.LoadUint64(&m.apiErrors),
		BotsRunning:    bots,
		Gateways:       gws,
		RiskEngines:    risks,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Uptime:         time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

// Timer measures an operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.histogram.RecordDuration(elapsed)
	return elapsed
}
