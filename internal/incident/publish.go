package incident

import (
	"context"
	"time"
)

// Change describes one accepted lifecycle transition. It is what the feed
// and the message bus carry.
type Change struct {
	AlertID        string    `json:"alertId"`
	Seq            int       `json:"seq"`
	Trigger        Trigger   `json:"trigger"`
	Status         Status    `json:"status"`
	EventType      EventType `json:"eventType"`
	Severity       Severity  `json:"severity"`
	CameraID       string    `json:"cameraId"`
	Location       string    `json:"location"`
	NeedsAttention bool      `json:"needsAttention"`
	Description    string    `json:"description"`
	At             time.Time `json:"at"`
}

// Publisher fans lifecycle changes out to observers.
type Publisher interface {
	Publish(ctx context.Context, c *Change) error
}

// Notifier pages operators about alerts that need a human.
type Notifier interface {
	Notify(ctx context.Context, a *Alert, reason string) error
}

// ChangeOf builds the Change for a's latest timeline entry.
func ChangeOf(a *Alert) *Change {
	c := &Change{
		AlertID:        a.ID,
		Status:         a.Status,
		EventType:      a.EventType,
		Severity:       a.Severity,
		CameraID:       a.CameraID,
		Location:       a.Location,
		NeedsAttention: a.NeedsAttention,
		At:             a.UpdatedAt,
	}
	if e, ok := a.LastEntry(); ok {
		c.Seq = e.Seq
		c.Trigger = e.Trigger
		c.Description = e.Description
		c.At = e.Time
	}
	return c
}
