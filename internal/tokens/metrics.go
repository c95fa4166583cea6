package tokens

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the token registry.
type Metrics struct {
	RegisteredTotal prometheus.Counter
	FlaggedTotal    prometheus.Counter
	Active          prometheus.Gauge
}

// NewMetrics creates and registers token registry metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_tokens_registered_total",
			Help: "Device token registrations, including refreshes.",
		}),
		FlaggedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_tokens_flagged_total",
			Help: "Device tokens flagged invalid by a push transport.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_tokens_active",
			Help: "Active device tokens at the last dispatch.",
		}),
	}
	reg.MustRegister(m.RegisteredTotal, m.FlaggedTotal, m.Active)
	return m
}

func (m *Metrics) registered() {
	if m != nil {
		m.RegisteredTotal.Inc()
	}
}

func (m *Metrics) flagged() {
	if m != nil {
		m.FlaggedTotal.Inc()
	}
}

func (m *Metrics) active(n int) {
	if m != nil {
		m.Active.Set(float64(n))
	}
}
