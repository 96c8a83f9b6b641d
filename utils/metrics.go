package utils

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges emitted by the queue, the
// backend adapter and the storage processor. A single instance is meant
// to be constructed per process and registered with a prometheus.Registerer
// by the caller (see cmd/relaykv-api).
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	ApplyLatency    *prometheus.HistogramVec
	ApplyTotal      *prometheus.CounterVec
	LockHeld        prometheus.Gauge
	BackoffActive   prometheus.Gauge
	ReconnectTotal  prometheus.Counter
	RetryExhausted  prometheus.Counter
	ConfirmMismatch prometheus.Counter
	DiffsPublished  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	labels := prometheus.Labels{"namespace": namespace}
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "relaykv_queue_depth",
			Help:        "Number of messages currently sitting in the incoming queue.",
			ConstLabels: labels,
		}, []string{"qid"}),
		ApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "relaykv_apply_latency_seconds",
			Help:        "Latency of applying a single message to the backend.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"type"}),
		ApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaykv_apply_total",
			Help:        "Number of messages applied, by type and outcome.",
			ConstLabels: labels,
		}, []string{"type", "outcome"}),
		LockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relaykv_lock_held",
			Help:        "1 if this process currently holds the singleton lock.",
			ConstLabels: labels,
		}),
		BackoffActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relaykv_backoff_active",
			Help:        "1 while the processor run-loop is in its back-off window.",
			ConstLabels: labels,
		}),
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykv_backend_reconnect_total",
			Help:        "Number of times the backend adapter observed a reconnect.",
			ConstLabels: labels,
		}),
		RetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykv_backend_retry_exhausted_total",
			Help:        "Number of commands that failed after exhausting the retry bound.",
			ConstLabels: labels,
		}),
		ConfirmMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykv_queue_confirm_mismatch_total",
			Help:        "Number of confirm() calls whose LREM count was not exactly 1.",
			ConstLabels: labels,
		}),
		DiffsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaykv_diffs_published_total",
			Help:        "Number of DiffMessages published, by state key.",
			ConstLabels: labels,
		}, []string{"key"}),
	}
}

// Register adds all of m's collectors to reg. Safe to call once per process.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.QueueDepth,
		m.ApplyLatency,
		m.ApplyTotal,
		m.LockHeld,
		m.BackoffActive,
		m.ReconnectTotal,
		m.RetryExhausted,
		m.ConfirmMismatch,
		m.DiffsPublished,
	)
}
