// Package logpush is a development transport that logs notifications
// instead of delivering them.
package logpush

import (
	"context"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

// InvalidPrefix marks tokens the transport reports as invalid, so the
// invalid-token path can be exercised without a provider.
const InvalidPrefix = "invalid-"

// Transport logs every send and reports it delivered.
type Transport struct {
	logger log.Logger
}

// New creates a log-only transport.
func New(logger log.Logger) *Transport {
	if logger == nil {
		logger = log.Nop()
	}
	return &Transport{logger: logger}
}

// Send implements dispatch.Transport.
func (t *Transport) Send(ctx context.Context, token string, msg *dispatch.Message) error {
	if strings.HasPrefix(token, InvalidPrefix) {
		return dispatch.ErrInvalidToken
	}
	t.logger.Info(ctx, "push notification",
		"token", token,
		"title", msg.Title,
		"body", msg.Body,
		"alert_id", msg.Data["alertId"],
	)
	return nil
}
