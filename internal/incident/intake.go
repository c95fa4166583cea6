package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// MaxNotesLength bounds operator notes, in characters.
const MaxNotesLength = 512

// wireEvent is the JSON body shared by HTTP, Kafka and MQTT intake.
// Confidence is optional and defaults to 1.0.
type wireEvent struct {
	EventType     string     `json:"eventType"`
	Confidence    *float64   `json:"confidence"`
	Reason        string     `json:"reason"`
	CameraID      string     `json:"cameraId"`
	Location      string     `json:"location"`
	Timestamp     *time.Time `json:"timestamp"`
	ClientEventID string     `json:"clientEventId"`
	SnapshotURL   string     `json:"snapshotUrl"`
	Mode          string     `json:"mode"`
	FrameIndex    *int       `json:"frameIndex"`
}

// DecodeEvent reads one JSON event from r and validates it.
func DecodeEvent(r io.Reader) (*Event, error) {
	var w wireEvent
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after event", ErrMalformedPayload)
	}

	ev := &Event{
		EventType:     EventType(strings.ToLower(strings.TrimSpace(w.EventType))),
		Confidence:    1.0,
		Reason:        strings.TrimSpace(w.Reason),
		CameraID:      strings.TrimSpace(w.CameraID),
		Location:      strings.TrimSpace(w.Location),
		ClientEventID: strings.TrimSpace(w.ClientEventID),
		SnapshotURL:   strings.TrimSpace(w.SnapshotURL),
		Mode:          Mode(strings.ToLower(strings.TrimSpace(w.Mode))),
		FrameIndex:    w.FrameIndex,
	}
	if w.Confidence != nil {
		ev.Confidence = *w.Confidence
	}
	if w.Timestamp != nil {
		ev.Timestamp = w.Timestamp.UTC()
	}
	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Validate checks ev and fills defaults. Validation errors wrap one of
// ErrInvalidEventType, ErrInvalidConfidence or ErrInvalidEvent.
func Validate(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("%w: empty event", ErrMalformedPayload)
	}
	if !ev.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, ev.EventType)
	}
	// written this way so NaN fails
	if !(ev.Confidence >= 0 && ev.Confidence <= 1) {
		return fmt.Errorf("%w: %v not in [0, 1]", ErrInvalidConfidence, ev.Confidence)
	}

	var errs []error
	if ev.CameraID == "" {
		errs = append(errs, errors.New("cameraId is required"))
	}
	if ev.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	switch ev.Mode {
	case "":
		ev.Mode = ModeLive
	case ModeLive, ModeOffline:
	default:
		errs = append(errs, fmt.Errorf("mode %q must be live or offline", ev.Mode))
	}
	if ev.FrameIndex != nil && (*ev.FrameIndex < 0 || *ev.FrameIndex > math.MaxInt32) {
		errs = append(errs, fmt.Errorf("frameIndex must be in [0, %d]", math.MaxInt32))
	}
	if len(ev.Reason) > MaxNotesLength {
		errs = append(errs, fmt.Errorf("reason exceeds %d characters", MaxNotesLength))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return nil
}

// newAlert builds a pending alert for ev. The created entry is appended by
// the caller through Apply.
func newAlert(id string, ev *Event, key string, now time.Time) *Alert {
	var fi *int
	if ev.FrameIndex != nil {
		v := *ev.FrameIndex
		fi = &v
	}
	return &Alert{
		ID:          id,
		DedupKey:    key,
		EventType:   ev.EventType,
		Severity:    DeriveSeverity(ev.EventType, ev.Confidence),
		Confidence:  ev.Confidence,
		Reason:      ev.Reason,
		CameraID:    ev.CameraID,
		Location:    ev.Location,
		EventTime:   ev.Timestamp,
		SnapshotURL: ev.SnapshotURL,
		Mode:        ev.Mode,
		FrameIndex:  fi,
		Status:      StatusPending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}
