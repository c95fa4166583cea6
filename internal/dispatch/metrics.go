package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dispatcher. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	BatchesTotal    *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	BatchTokens     prometheus.Histogram
	QueueDepth      prometheus.Gauge
	ActiveBatches   prometheus.Gauge
	BadTokenSkips   prometheus.Counter
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dispatch_attempts_total",
			Help: "Delivery attempts by per-attempt status.",
		}, []string{"status"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_dispatch_attempt_duration_seconds",
			Help:    "Duration of single delivery attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"status"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_dispatch_retries_scheduled_total",
			Help: "Transient failures rescheduled after backoff.",
		}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dispatch_batches_total",
			Help: "Finished dispatch batches by aggregate outcome.",
		}, []string{"outcome", "priority"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_dispatch_batch_duration_seconds",
			Help:    "Wall time from submit to rollup.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"outcome"}),
		BatchTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_dispatch_batch_tokens",
			Help:    "Recipient tokens per batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_dispatch_queue_depth",
			Help: "Attempts waiting for a worker.",
		}),
		ActiveBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_dispatch_active_batches",
			Help: "Batches that have not rolled up yet.",
		}),
		BadTokenSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_dispatch_bad_token_skips_total",
			Help: "Attempts short-circuited because the token was recently rejected.",
		}),
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RetriesTotal,
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchTokens,
		m.QueueDepth,
		m.ActiveBatches,
		m.BadTokenSkips,
	)
	return m
}

func (m *Metrics) attempt(status DeliveryStatus, seconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(string(status)).Inc()
	m.AttemptDuration.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) badSkip() {
	if m == nil {
		return
	}
	m.BadTokenSkips.Inc()
}

func (m *Metrics) batchStarted(tokens int) {
	if m == nil {
		return
	}
	m.ActiveBatches.Inc()
	m.BatchTokens.Observe(float64(tokens))
}

func (m *Metrics) batchDone(res *Result) {
	if m == nil {
		return
	}
	m.ActiveBatches.Dec()
	m.BatchesTotal.WithLabelValues(string(res.Outcome), res.Priority.String()).Inc()
	m.BatchDuration.WithLabelValues(string(res.Outcome)).Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
