package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics helpers are nil-safe so components can run without a registry.
type Metrics struct {
	registry         *prometheus.Registry
	OpenSessions     prometheus.Gauge
	TransitionsTotal *prometheus.CounterVec
	CapturedTotal    *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	FlushBatchSize   prometheus.Histogram
	StoreErrorsTotal *prometheus.CounterVec
	RemoteSyncTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "testassist",
			Name:      "open_sessions",
			Help:      "Sessions currently active or paused",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "session_transitions_total",
			Help:      "Lifecycle transitions by target status",
		}, []string{"to"}),
		CapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "captured_records_total",
			Help:      "Records admitted into a collector buffer",
		}, []string{"kind"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "dropped_records_total",
			Help:      "Records not persisted by reason",
		}, []string{"reason"}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "flushes_total",
			Help:      "Collector flushes by result",
		}, []string{"result"}),
		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "testassist",
			Name:      "flush_batch_size",
			Help:      "Records per flush",
			Buckets:   []float64{1, 5, 10, 20, 50, 100, 200},
		}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "store_errors_total",
			Help:      "Shared store failures by operation",
		}, []string{"op"}),
		RemoteSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testassist",
			Name:      "remote_sync_total",
			Help:      "Backend hand-offs by result",
		}, []string{"result"}),
	}
	r.MustRegister(m.OpenSessions, m.TransitionsTotal, m.CapturedTotal, m.DroppedTotal,
		m.FlushesTotal, m.FlushBatchSize, m.StoreErrorsTotal, m.RemoteSyncTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveTransition(to string, open bool) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(to).Inc()
	if open {
		m.OpenSessions.Set(1)
	} else {
		m.OpenSessions.Set(0)
	}
}

func (m *Metrics) ObserveCaptured(kind string) {
	if m == nil {
		return
	}
	m.CapturedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveFlush(result string, size int) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(result).Inc()
	m.FlushBatchSize.Observe(float64(size))
}

func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveRemoteSync(result string) {
	if m == nil {
		return
	}
	m.RemoteSyncTotal.WithLabelValues(result).Inc()
}
