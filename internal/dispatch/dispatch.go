// Package dispatch fans a notification out to every recipient token of an
// alert. Each token is delivered independently on a bounded worker pool,
// transient failures are retried on a backoff schedule, and once every token
// reaches a terminal state the per-token outcomes are rolled up into a single
// Result that is handed to the Reporter.
package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken is returned (wrapped) by a Transport when the recipient
	// token is permanently unusable. Such tokens are never retried.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSuperseded is returned when a request is older than the batch
	// already active for the same alert.
	ErrSuperseded = errors.New("dispatch request superseded")

	// ErrMissingAlertID rejects requests without an alert id.
	ErrMissingAlertID = errors.New("dispatch request missing alert id")

	// ErrAlertClosed rejects requests for an alert that has been cancelled.
	ErrAlertClosed = errors.New("dispatch alert closed")
)

// Priority orders queued attempts. Higher values are served first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	if p >= PriorityHigh {
		return "high"
	}
	return "normal"
}

// JobState is the lifecycle of one alert x token notification job.
type JobState string

const (
	JobQueued          JobState = "queued"
	JobSent            JobState = "sent"
	JobFailedRetryable JobState = "failed_retryable"
	JobFailedPermanent JobState = "failed_permanent"
	JobCancelled       JobState = "cancelled"
)

// DeliveryStatus is the terminal per-token outcome.
type DeliveryStatus string

const (
	StatusDelivered    DeliveryStatus = "delivered"
	StatusInvalidToken DeliveryStatus = "invalid_token"
	StatusTransient    DeliveryStatus = "transient"
	StatusCancelled    DeliveryStatus = "cancelled"
)

// Outcome is the aggregate over all tokens of a batch.
type Outcome string

const (
	OutcomeAllDelivered     Outcome = "all_delivered"
	OutcomePartialDelivered Outcome = "partial_delivered"
	OutcomeAllFailed        Outcome = "all_failed"
)

// Succeeded reports whether at least one token was reached.
func (o Outcome) Succeeded() bool {
	return o == OutcomeAllDelivered || o == OutcomePartialDelivered
}

// Message is the transport-neutral notification payload.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Request asks for one alert to be delivered to a set of tokens. Generation
// increases every time the same alert is re-dispatched; a newer generation
// supersedes the active batch of an older one.
type Request struct {
	AlertID    string
	Generation int
	Priority   Priority
	Tokens     []string
	Message    Message
}

// TokenResult is the terminal state of one token within a batch.
type TokenResult struct {
	Token     string         `json:"token"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
}

// Result is the rolled-up outcome of a batch.
type Result struct {
	BatchID     string        `json:"batchId"`
	AlertID     string        `json:"alertId"`
	Generation  int           `json:"generation"`
	Priority    Priority      `json:"priority"`
	Outcome     Outcome       `json:"outcome"`
	Tokens      []TokenResult `json:"tokens"`
	Superseded  bool          `json:"superseded,omitempty"`
	TimedOut    bool          `json:"timedOut,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Count returns how many tokens ended in the given status.
func (r *Result) Count(s DeliveryStatus) int {
	n := 0
	for _, t := range r.Tokens {
		if t.Status == s {
			n++
		}
	}
	return n
}

// Aggregate computes the batch outcome from per-token results. An empty
// batch delivered nothing and is therefore AllFailed.
func Aggregate(results []TokenResult) Outcome {
	delivered := 0
	for _, r := range results {
		if r.Status == StatusDelivered {
			delivered++
		}
	}
	switch {
	case len(results) > 0 && delivered == len(results):
		return OutcomeAllDelivered
	case delivered > 0:
		return OutcomePartialDelivered
	default:
		return OutcomeAllFailed
	}
}

// Transport delivers one message to one token. A nil error means delivered,
// an error wrapping ErrInvalidToken is permanent, and anything else is
// treated as transient.
type Transport interface {
	Send(ctx context.Context, token string, msg *Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, token string, msg *Message) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, token string, msg *Message) error {
	return f(ctx, token, msg)
}

// TokenFlagger records that a token was rejected permanently.
type TokenFlagger interface {
	MarkBad(ctx context.Context, token string, at time.Time) error
}

// Reporter receives every finished batch.
type Reporter interface {
	ReportDispatch(ctx context.Context, res *Result)
}

// Classify maps a transport error to a delivery status.
func Classify(err error) DeliveryStatus {
	switch {
	case err == nil:
		return StatusDelivered
	case errors.Is(err, ErrInvalidToken):
		return StatusInvalidToken
	default:
		return StatusTransient
	}
}
