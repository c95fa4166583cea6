// Package natspub publishes alert lifecycle changes to NATS so downstream
// systems (dashboards, integrations) can follow alerts without polling.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/incident"
)

// DefaultSubject is the subject prefix; the alert status is appended, e.g.
// warden.alerts.escalated.
const DefaultSubject = "warden.alerts"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements incident.Publisher over NATS.
type Publisher struct {
	conn       Conn
	subject    string
	maxRetries int
	retryDelay time.Duration
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// New creates a publisher. An empty subject uses DefaultSubject.
func New(conn Conn, subject string, maxRetries int) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, maxRetries: maxRetries, retryDelay: 100 * time.Millisecond}
}

// Subject returns the subject a change is published on.
func (p *Publisher) Subject(c *incident.Change) string {
	return p.subject + "." + string(c.Status)
}

// Publish implements incident.Publisher. Failed publishes are retried with
// a linear delay until ctx is done.
func (p *Publisher) Publish(ctx context.Context, c *incident.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("natspub: marshal change: %w", err)
	}
	subject := p.Subject(c)

	for i := 0; ; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		if i >= p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("natspub: publish %s: %w", subject, ctx.Err())
		case <-time.After(time.Duration(i+1) * p.retryDelay):
		}
	}
	return fmt.Errorf("natspub: publish %s failed after %d retries: %w", subject, p.maxRetries, err)
}
