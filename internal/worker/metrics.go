package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks interception counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EvictionsTotal  *prometheus.CounterVec
	EnqueuedTotal   prometheus.Counter
	ReplaysTotal    *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

// NewMetrics registers offline0_ metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_requests_total",
				Help: "Intercepted requests by category and response source",
			},
			[]string{"category", "source"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline0_request_duration_seconds",
				Help:    "Time to answer an intercepted request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_cache_evictions_total",
				Help: "Entries trimmed from bounded caches",
			},
			[]string{"cache"},
		),
		EnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline0_sync_enqueued_total",
				Help: "Mutating requests deferred to background sync",
			},
		),
		ReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_sync_replays_total",
				Help: "Replayed queue items by outcome",
			},
			[]string{"outcome"}, // "success", "failure", "discarded"
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline0_sync_queue_depth",
				Help: "Items pending in the sync queue after the last change",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.EvictionsTotal,
		m.EnqueuedTotal,
		m.ReplaysTotal,
		m.QueueDepth,
	)
	return m
}

func (m *Metrics) RecordRequest(category, source string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(category, source).Inc()
	m.RequestDuration.WithLabelValues(category).Observe(seconds)
}

func (m *Metrics) RecordEviction(cache string, n int) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(cache).Add(float64(n))
}

func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.EnqueuedTotal.Inc()
}

func (m *Metrics) RecordReplay(outcome string) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
