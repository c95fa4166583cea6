package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the alert lifecycle. A nil *Metrics
// records nothing.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	IllegalTotal       *prometheus.CounterVec
	DispatchOutcomes   *prometheus.CounterVec
	SuppressedTotal    *prometheus.CounterVec
	NeedsAttention     prometheus.Counter
	QueriesTotal       prometheus.Counter
	PurgedTotal        prometheus.Counter
	PublishErrorsTotal prometheus.Counter
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_event_submits_total",
			Help: "Detection events submitted by result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alert_transitions_total",
			Help: "Accepted alert transitions by trigger and resulting status.",
		}, []string{"trigger", "status"}),
		IllegalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alert_illegal_transitions_total",
			Help: "Rejected alert transitions by trigger.",
		}, []string{"trigger"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alert_dispatch_outcomes_total",
			Help: "Dispatch results applied to alerts by aggregate outcome.",
		}, []string{"outcome"}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alert_notifications_suppressed_total",
			Help: "Alerts created without dispatch because confidence was below threshold.",
		}, []string{"event_type"}),
		NeedsAttention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_alert_needs_attention_total",
			Help: "Alerts flagged for operator attention after dispatch exhaustion.",
		}),
		QueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_alert_queries_total",
			Help: "Dashboard query pages served.",
		}),
		PurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_alert_purged_total",
			Help: "Resolved alerts removed by retention.",
		}),
		PublishErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_alert_publish_errors_total",
			Help: "Lifecycle change notifications that failed to publish.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.TransitionsTotal,
		m.IllegalTotal,
		m.DispatchOutcomes,
		m.SuppressedTotal,
		m.NeedsAttention,
		m.QueriesTotal,
		m.PurgedTotal,
		m.PublishErrorsTotal,
	)
	return m
}

func (m *Metrics) submit(result string) {
	if m == nil {
		return
	}
	m.SubmitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) transition(t Trigger, s Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(t), string(s)).Inc()
}

func (m *Metrics) illegal(t Trigger) {
	if m == nil {
		return
	}
	m.IllegalTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) dispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) suppressed(t EventType) {
	if m == nil {
		return
	}
	m.SuppressedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) needsAttention() {
	if m == nil {
		return
	}
	m.NeedsAttention.Inc()
}

func (m *Metrics) query() {
	if m == nil {
		return
	}
	m.QueriesTotal.Inc()
}

func (m *Metrics) purged(n int) {
	if m == nil {
		return
	}
	m.PurgedTotal.Add(float64(n))
}

func (m *Metrics) publishError() {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.Inc()
}
