// Package webhook delivers notifications through a generic HTTP push
// gateway: one JSON POST per device token.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

const defaultTimeout = 10 * time.Second

// payload is the request body posted to the gateway.
type payload struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Transport posts notifications to a push gateway URL. 2xx is delivered,
// 404 and 410 mean the gateway no longer knows the token, anything else
// is transient.
type Transport struct {
	url       string
	authToken string
	client    *http.Client
}

// New creates a webhook transport. authToken, if set, is sent as a bearer
// token.
func New(url, authToken string) *Transport {
	return &Transport{
		url:       url,
		authToken: authToken,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send implements dispatch.Transport.
func (t *Transport) Send(ctx context.Context, token string, msg *dispatch.Message) error {
	body, err := json.Marshal(payload{Token: token, Title: msg.Title, Body: msg.Body, Data: msg.Data})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req) //nolint:gosec // G704: url is from trusted config
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("webhook: gateway returned %d: %w", resp.StatusCode, dispatch.ErrInvalidToken)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}
}
