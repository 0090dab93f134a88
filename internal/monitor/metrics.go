package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks order flow and exchange performance.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency     *LatencyHistogram
	ExchangeLatency  *LatencyHistogram
	ReconcileLatency *LatencyHistogram

	// Counters
	ordersCreated         uint64
	ordersRejected        uint64
	ordersFilled          uint64
	ordersCancelled       uint64
	ordersPartial         uint64
	ordersUncertain       uint64
	exchangeErrors        uint64
	ledgerInconsistencies uint64
	reconcileRuns         uint64
	balanceDrifts         uint64

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
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
		OrderLatency:     NewLatencyHistogram(1000),
		ExchangeLatency:  NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(200),
		startedAt:        time.Now(),
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
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
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

func (m *SystemMetrics) IncOrdersCreated()   { atomic.AddUint64(&m.ordersCreated, 1) }
func (m *SystemMetrics) IncOrdersRejected()  { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *SystemMetrics) IncOrdersFilled()    { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *SystemMetrics) IncOrdersCancelled() { atomic.AddUint64(&m.ordersCancelled, 1) }
func (m *SystemMetrics) IncOrdersPartial()   { atomic.AddUint64(&m.ordersPartial, 1) }
func (m *SystemMetrics) IncOrdersUncertain() { atomic.AddUint64(&m.ordersUncertain, 1) }
func (m *SystemMetrics) IncExchangeErrors()  { atomic.AddUint64(&m.exchangeErrors, 1) }
func (m *SystemMetrics) IncReconcileRuns()   { atomic.AddUint64(&m.reconcileRuns, 1) }
func (m *SystemMetrics) IncBalanceDrifts()   { atomic.AddUint64(&m.balanceDrifts, 1) }

// IncLedgerInconsistencies counts refused ledger mutations. Any non-zero value
// needs an operator.
func (m *SystemMetrics) IncLedgerInconsistencies() {
	atomic.AddUint64(&m.ledgerInconsistencies, 1)
}

// MetricsSnapshot is a point-in-time view for the metrics endpoint.
type MetricsSnapshot struct {
	OrderLatency          LatencyStats `json:"order_latency"`
	ExchangeLatency       LatencyStats `json:"exchange_latency"`
	ReconcileLatency      LatencyStats `json:"reconcile_latency"`
	OrdersCreated         uint64       `json:"orders_created"`
	OrdersRejected        uint64       `json:"orders_rejected"`
	OrdersFilled          uint64       `json:"orders_filled"`
	OrdersCancelled       uint64       `json:"orders_cancelled"`
	OrdersPartiallyFilled uint64       `json:"orders_partially_filled"`
	OrdersUncertain       uint64       `json:"orders_uncertain"`
	ExchangeErrors        uint64       `json:"exchange_errors"`
	LedgerInconsistencies uint64       `json:"ledger_inconsistencies"`
	ReconcileRuns         uint64       `json:"reconcile_runs"`
	BalanceDrifts         uint64       `json:"balance_drifts"`
	GoroutineCount        int          `json:"goroutine_count"`
	HeapAlloc             uint64       `json:"heap_alloc_bytes"`
	Uptime                string       `json:"uptime"`
	Timestamp             time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:          m.OrderLatency.Stats(),
		ExchangeLatency:       m.ExchangeLatency.Stats(),
		ReconcileLatency:      m.ReconcileLatency.Stats(),
		OrdersCreated:         atomic.LoadUint64(&m.ordersCreated),
		OrdersRejected:        atomic.LoadUint64(&m.ordersRejected),
		OrdersFilled:          atomic.LoadUint64(&m.ordersFilled),
		OrdersCancelled:       atomic.LoadUint64(&m.ordersCancelled),
		OrdersPartiallyFilled: atomic.LoadUint64(&m.ordersPartial),
		OrdersUncertain:       atomic.LoadUint64(&m.ordersUncertain),
		ExchangeErrors:        atomic.LoadUint64(&m.exchangeErrors),
		LedgerInconsistencies: atomic.LoadUint64(&m.ledgerInconsistencies),
		ReconcileRuns:         atomic.LoadUint64(&m.reconcileRuns),
		BalanceDrifts:         atomic.LoadUint64(&m.balanceDrifts),
		GoroutineCount:        runtime.NumGoroutine(),
		HeapAlloc:             memStats.HeapAlloc,
		Uptime:                time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:             time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
