// Package slack pages operators in Slack via incoming webhooks when an
// alert needs a human: escalations and notifications no recipient got.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	maxFieldLen = 1000
	httpTimeout = 10 * time.Second
)

// Notifier posts alerts to a Slack webhook. It implements
// incident.Notifier.
type Notifier struct {
	webhookURL   string
	dashboardURL string
	client       *http.Client
	logger       log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
// dashboardURL, if set, is linked from every message.
func New(webhookURL, dashboardURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL:   webhookURL,
		dashboardURL: dashboardURL,
		client:       &http.Client{Timeout: httpTimeout},
		logger:       logger,
	}
}

// Notify posts a to the configured webhook with the reason operators are
// being paged.
func (n *Notifier) Notify(ctx context.Context, a *incident.Alert, reason string) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(n.buildMessage(a, reason))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "operators paged", "alert_id", a.ID, "reason", reason)
	return nil
}

func (n *Notifier) buildMessage(a *incident.Alert, reason string) map[string]any {
	blocks := []map[string]any{
		headerBlock(a),
		reasonBlock(reason),
		{"type": "divider"},
		fieldsBlock(a),
	}
	if a.Notes != "" {
		blocks = append(blocks, notesBlock(a.Notes))
	}
	blocks = append(blocks, n.contextBlock(a))
	return map[string]any{
		"text":   fmt.Sprintf("%s %s alert on %s", severityEmoji(a.Severity), a.EventType, a.CameraID),
		"blocks": blocks,
	}
}

func headerBlock(a *incident.Alert) map[string]any {
	title := "Incident needs attention"
	if a.Status == incident.StatusEscalated {
		title = "Incident escalated"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", severityEmoji(a.Severity), title, a.EventType),
		},
	}
}

func reasonBlock(reason string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Why:* " + truncate(reason, maxFieldLen),
		},
	}
}

func fieldsBlock(a *incident.Alert) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", a.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.0f%%", a.Confidence*100)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Camera:* %s", truncate(a.CameraID, maxFieldLen))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Location:* %s", truncate(orDash(a.Location), maxFieldLen))},
	}
	if d := a.Dispatch; d != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Delivery:* %s (%d ok, %d invalid, %d failed)", d.Outcome, d.Delivered, d.Invalid, d.Failed),
		})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func notesBlock(notes string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Notes*\n" + truncate(notes, maxFieldLen),
		},
	}
}

func (n *Notifier) contextBlock(a *incident.Alert) map[string]any {
	text := fmt.Sprintf("warden • alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	if n.dashboardURL != "" {
		text += fmt.Sprintf(" • <%s/alerts/%s|open>", n.dashboardURL, a.ID)
	}
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{{"type": "mrkdwn", "text": text}},
	}
}

func severityEmoji(s incident.Severity) string {
	switch s {
	case incident.SeverityHigh:
		return "\U0001f534" // red circle
	case incident.SeverityMedium:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
