package incident

import "time"

// Trigger is anything that can move an alert through its lifecycle.
type Trigger string

const (
	TriggerCreated           Trigger = "created"
	TriggerAcknowledge       Trigger = "acknowledge"
	TriggerDispatchSucceeded Trigger = "dispatch_succeeded"
	TriggerDispatchExhausted Trigger = "dispatch_exhausted"
	TriggerEscalate          Trigger = "escalate"
	TriggerResolve           Trigger = "resolve"
	TriggerAnnotate          Trigger = "annotate"
	TriggerMerged            Trigger = "merged"
)

// Triggers lists every trigger the machine knows.
var Triggers = []Trigger{
	TriggerCreated,
	TriggerAcknowledge,
	TriggerDispatchSucceeded,
	TriggerDispatchExhausted,
	TriggerEscalate,
	TriggerResolve,
	TriggerAnnotate,
	TriggerMerged,
}

// Effect is the side effect the caller must carry out after a transition
// has been committed.
type Effect int

const (
	EffectNone Effect = iota
	EffectDispatch
	EffectRedispatch
	EffectCancelDispatch
	EffectRecordOutcome
	EffectNeedsAttention
)

func (e Effect) String() string {
	switch e {
	case EffectDispatch:
		return "dispatch"
	case EffectRedispatch:
		return "redispatch"
	case EffectCancelDispatch:
		return "cancel_dispatch"
	case EffectRecordOutcome:
		return "record_outcome"
	case EffectNeedsAttention:
		return "needs_attention"
	default:
		return "none"
	}
}

type edge struct {
	from    Status
	trigger Trigger
}

type target struct {
	to     Status
	effect Effect
}

// sameStatus marks triggers that keep the current status.
const sameStatus Status = ""

var transitions = map[edge]target{
	{StatusPending, TriggerCreated}: {StatusPending, EffectDispatch},

	{StatusPending, TriggerAcknowledge}:      {StatusAcknowledged, EffectNone},
	{StatusAcknowledged, TriggerAcknowledge}: {StatusAcknowledged, EffectNone},
	{StatusDispatched, TriggerAcknowledge}:   {StatusAcknowledged, EffectNone},

	{StatusPending, TriggerDispatchSucceeded}:      {StatusDispatched, EffectRecordOutcome},
	{StatusAcknowledged, TriggerDispatchSucceeded}: {StatusDispatched, EffectRecordOutcome},

	{StatusPending, TriggerEscalate}:      {StatusEscalated, EffectRedispatch},
	{StatusAcknowledged, TriggerEscalate}: {StatusEscalated, EffectRedispatch},
	{StatusDispatched, TriggerEscalate}:   {StatusEscalated, EffectRedispatch},
	{StatusEscalated, TriggerEscalate}:    {StatusEscalated, EffectRedispatch},

	{StatusPending, TriggerResolve}:      {StatusResolved, EffectCancelDispatch},
	{StatusAcknowledged, TriggerResolve}: {StatusResolved, EffectCancelDispatch},
	{StatusDispatched, TriggerResolve}:   {StatusResolved, EffectCancelDispatch},
	{StatusEscalated, TriggerResolve}:    {StatusResolved, EffectCancelDispatch},

	{StatusPending, TriggerDispatchExhausted}:      {sameStatus, EffectNeedsAttention},
	{StatusAcknowledged, TriggerDispatchExhausted}: {sameStatus, EffectNeedsAttention},
	{StatusDispatched, TriggerDispatchExhausted}:   {sameStatus, EffectNeedsAttention},
	{StatusEscalated, TriggerDispatchExhausted}:    {sameStatus, EffectNeedsAttention},

	{StatusPending, TriggerAnnotate}:      {sameStatus, EffectNone},
	{StatusAcknowledged, TriggerAnnotate}: {sameStatus, EffectNone},
	{StatusDispatched, TriggerAnnotate}:   {sameStatus, EffectNone},
	{StatusEscalated, TriggerAnnotate}:    {sameStatus, EffectNone},

	{StatusPending, TriggerMerged}:      {sameStatus, EffectNone},
	{StatusAcknowledged, TriggerMerged}: {sameStatus, EffectNone},
	{StatusDispatched, TriggerMerged}:   {sameStatus, EffectNone},
	{StatusEscalated, TriggerMerged}:    {sameStatus, EffectNone},
}

// Transition looks up (from, trigger) in the transition table. Unlisted
// pairs return a *TransitionError.
func Transition(from Status, trigger Trigger) (Status, Effect, error) {
	t, ok := transitions[edge{from, trigger}]
	if !ok {
		return from, EffectNone, &TransitionError{From: from, Trigger: trigger}
	}
	if t.to == sameStatus {
		return from, t.effect, nil
	}
	return t.to, t.effect, nil
}

// Apply runs trigger against a and appends exactly one timeline entry when
// it is accepted. A non-empty causeID already recorded for the same trigger
// makes the call a no-op and applied is false. On error a is unchanged.
func Apply(a *Alert, trigger Trigger, causeID, description string, at time.Time) (effect Effect, applied bool, err error) {
	if causeID != "" {
		for _, e := range a.Timeline {
			if e.Trigger == trigger && e.CauseID == causeID {
				return EffectNone, false, nil
			}
		}
	}
	if trigger == TriggerCreated && len(a.Timeline) > 0 {
		return EffectNone, false, &TransitionError{From: a.Status, Trigger: trigger}
	}

	next, effect, err := Transition(a.Status, trigger)
	if err != nil {
		return EffectNone, false, err
	}

	at = at.UTC()
	if last, ok := a.LastEntry(); ok && at.Before(last.Time) {
		at = last.Time
	}
	a.Timeline = append(a.Timeline, TimelineEntry{
		Seq:         len(a.Timeline) + 1,
		Time:        at,
		Trigger:     trigger,
		Status:      next,
		Description: description,
		CauseID:     causeID,
	})
	a.Status = next
	a.UpdatedAt = at

	switch effect {
	case EffectRedispatch:
		// the flag describes the latest generation
		a.DispatchGeneration++
		a.NeedsAttention = false
	case EffectNeedsAttention:
		a.NeedsAttention = true
	case EffectRecordOutcome:
		a.NeedsAttention = false
	}
	return effect, true, nil
}

// VerifyAppend checks that next only extends prev's timeline and that its
// status is the projection of the last entry. Stores call it before
// persisting an update.
func VerifyAppend(prev, next *Alert) error {
	if len(next.Timeline) < len(prev.Timeline) {
		return errTimelineRewritten
	}
	for i := range prev.Timeline {
		if next.Timeline[i] != prev.Timeline[i] {
			return errTimelineRewritten
		}
	}
	if last, ok := next.LastEntry(); ok && last.Status != next.Status {
		return errStatusProjection
	}
	return nil
}
