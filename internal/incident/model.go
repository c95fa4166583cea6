package incident

import (
	"slices"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

// EventType is the kind of incident a detector reported.
type EventType string

const (
	EventFire     EventType = "fire"
	EventFall     EventType = "fall"
	EventFight    EventType = "fight"
	EventWeapon   EventType = "weapon"
	EventTheft    EventType = "theft"
	EventAccident EventType = "accident"
)

// EventTypes lists every accepted event type.
var EventTypes = []EventType{EventFire, EventFall, EventFight, EventWeapon, EventTheft, EventAccident}

// Valid reports whether t is one of EventTypes.
func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

// Severity is derived once at creation from event type and confidence.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityModerate Severity = "moderate"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityHigh || s == SeverityMedium || s == SeverityModerate
}

// Status is the lifecycle position of an alert.
type Status string

const (
	// StatusPending means created, notification not yet confirmed
	StatusPending Status = "pending"

	// StatusAcknowledged means an operator has seen it
	StatusAcknowledged Status = "acknowledged"

	// StatusDispatched means at least one recipient was reached
	StatusDispatched Status = "dispatched"

	// StatusEscalated means an operator asked for an urgent re-notification
	StatusEscalated Status = "escalated"

	// StatusResolved is terminal
	StatusResolved Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAcknowledged, StatusDispatched, StatusEscalated, StatusResolved}

// Valid reports whether s is one of Statuses.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool { return s == StatusResolved }

// Mode records whether the detection came from a live stream or an
// uploaded recording.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeOffline Mode = "offline"
)

// Event is a single detection signal. It is never stored as-is.
type Event struct {
	EventType     EventType `json:"eventType"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason,omitempty"`
	CameraID      string    `json:"cameraId"`
	Location      string    `json:"location"`
	Timestamp     time.Time `json:"timestamp"`
	ClientEventID string    `json:"clientEventId,omitempty"`
	SnapshotURL   string    `json:"snapshotUrl,omitempty"`
	Mode          Mode      `json:"mode,omitempty"`
	FrameIndex    *int      `json:"frameIndex,omitempty"`
}

// TimelineEntry is one accepted transition. Entries are append-only.
type TimelineEntry struct {
	Seq         int       `json:"seq"`
	Time        time.Time `json:"time"`
	Trigger     Trigger   `json:"trigger"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	CauseID     string    `json:"causeId,omitempty"`
}

// DispatchRecord is the last aggregate delivery outcome of an alert.
type DispatchRecord struct {
	BatchID     string                 `json:"batchId"`
	Generation  int                    `json:"generation"`
	Outcome     dispatch.Outcome       `json:"outcome"`
	Delivered   int                    `json:"delivered"`
	Invalid     int                    `json:"invalid"`
	Failed      int                    `json:"failed"`
	TimedOut    bool                   `json:"timedOut,omitempty"`
	Tokens      []dispatch.TokenResult `json:"tokens,omitempty"`
	CompletedAt time.Time              `json:"completedAt"`
}

// Alert is the durable record of one incident. Status is a projection of
// the last timeline entry.
type Alert struct {
	ID                 string          `json:"id"`
	DedupKey           string          `json:"dedupKey"`
	EventType          EventType       `json:"eventType"`
	Severity           Severity        `json:"severity"`
	Confidence         float64         `json:"confidence"`
	Reason             string          `json:"reason,omitempty"`
	CameraID           string          `json:"cameraId"`
	Location           string          `json:"location"`
	EventTime          time.Time       `json:"eventTime"`
	SnapshotURL        string          `json:"snapshotUrl,omitempty"`
	Mode               Mode            `json:"mode"`
	FrameIndex         *int            `json:"frameIndex,omitempty"`
	Status             Status          `json:"status"`
	Notes              string          `json:"notes,omitempty"`
	NeedsAttention     bool            `json:"needsAttention"`
	FollowUpOf         string          `json:"followUpOf,omitempty"`
	DispatchGeneration int             `json:"dispatchGeneration"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Timeline           []TimelineEntry `json:"timeline"`
	Dispatch           *DispatchRecord `json:"dispatch,omitempty"`
}

// Clone returns a deep copy of a.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Timeline = slices.Clone(a.Timeline)
	if a.FrameIndex != nil {
		fi := *a.FrameIndex
		cp.FrameIndex = &fi
	}
	if a.Dispatch != nil {
		d := *a.Dispatch
		d.Tokens = slices.Clone(a.Dispatch.Tokens)
		cp.Dispatch = &d
	}
	return &cp
}

// Open reports whether the alert still accepts transitions.
func (a *Alert) Open() bool { return !a.Status.Terminal() }

// LastEntry returns the most recent timeline entry.
func (a *Alert) LastEntry() (TimelineEntry, bool) {
	if len(a.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return a.Timeline[len(a.Timeline)-1], true
}
