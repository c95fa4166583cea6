package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEventType rejects an event type outside the closed set.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidConfidence rejects a confidence outside [0, 1].
	ErrInvalidConfidence = errors.New("invalid confidence")

	// ErrInvalidEvent rejects an event missing required fields.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrMalformedPayload rejects a body that is not a JSON event.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrIllegalTransition is returned for any (status, trigger) pair the
	// state machine does not list. The alert is left untouched.
	ErrIllegalTransition = errors.New("illegal transition")

	ErrNotFound      = errors.New("alert not found")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNotesTooLong  = errors.New("notes too long")
	ErrNotResolved   = errors.New("alert is not resolved")
	ErrUnknownAction = errors.New("unknown action")
	errStaleDispatch = errors.New("stale dispatch result")

	errTimelineRewritten = errors.New("timeline entries may only be appended")
	errStatusProjection  = errors.New("status does not match last timeline entry")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From    Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s from %s", e.Trigger, e.From)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Constraint names the validation rule err violated, or "" when err is not
// a validation error.
func Constraint(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEventType):
		return "InvalidEventType"
	case errors.Is(err, ErrInvalidConfidence):
		return "InvalidConfidence"
	case errors.Is(err, ErrInvalidEvent):
		return "InvalidEvent"
	case errors.Is(err, ErrMalformedPayload):
		return "MalformedPayload"
	default:
		return ""
	}
}
