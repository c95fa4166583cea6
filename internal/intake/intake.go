// Package intake feeds detection events arriving over message buses into
// the incident service. Payloads carry the same JSON body as the HTTP
// events endpoint.
package intake

import (
	"bytes"
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Submitter is the part of incident.Service intake drives.
type Submitter interface {
	Submit(ctx context.Context, ev *incident.Event) (*incident.SubmitResult, error)
}

// Handler decodes and submits bus payloads.
type Handler struct {
	svc     Submitter
	source  string
	logger  log.Logger
	metrics *Metrics
}

// NewHandler returns a Handler labelled with source ("kafka", "mqtt").
// metrics may be nil.
func NewHandler(svc Submitter, source string, logger log.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{svc: svc, source: source, logger: logger.With("source", source), metrics: metrics}
}

// Handle processes one payload. A payload that fails validation is
// logged and dropped, returning nil, since redelivering it cannot succeed.
// Only store failures are returned so the caller can retry.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	ev, err := incident.DecodeEvent(bytes.NewReader(payload))
	if err != nil {
		h.metrics.message(h.source, "rejected")
		h.logger.Warn(ctx, "bus event rejected", "constraint", incident.Constraint(err), "error", err.Error())
		return nil
	}
	res, err := h.svc.Submit(ctx, ev)
	if err != nil {
		if incident.Constraint(err) != "" {
			h.metrics.message(h.source, "rejected")
			h.logger.Warn(ctx, "bus event rejected", "constraint", incident.Constraint(err), "error", err.Error())
			return nil
		}
		h.metrics.message(h.source, "error")
		return err
	}
	outcome := "created"
	if res.Merged {
		outcome = "merged"
	}
	h.metrics.message(h.source, outcome)
	return nil
}

// Metrics counts bus messages by source and outcome.
type Metrics struct {
	messages *prometheus.CounterVec
}

// NewMetrics registers the intake metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_intake_messages_total",
			Help: "Bus messages processed, by source and outcome.",
		}, []string{"source", "outcome"}),
	}
	reg.MustRegister(m.messages)
	return m
}

func (m *Metrics) message(source, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(source, outcome).Inc()
}
