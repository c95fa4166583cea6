package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

// Dispatcher is the part of dispatch.Dispatcher the service drives.
type Dispatcher interface {
	Submit(req *dispatch.Request) error
	Cancel(alertID string) bool
}

// TokenSource lists the recipient tokens a dispatch should target.
type TokenSource interface {
	Active(ctx context.Context) ([]string, error)
}

// SubmitResult is the outcome of submitting an event.
type SubmitResult struct {
	AlertID  string
	Status   Status
	Merged   bool
	Notified bool
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher adds a lifecycle change observer.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

// WithNotifier sets the operator pager used for escalations and
// exhausted dispatches.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the business boundary for the alert lifecycle: intake,
// operator actions, dispatch results and queries.
type Service struct {
	store      Store
	dispatcher Dispatcher
	tokens     TokenSource
	logger     log.Logger
	metrics    *Metrics
	cfg        Config
	publishers []Publisher
	notifier   Notifier
	now        func() time.Time

	changes chan publication
	pages   chan struct{}
	async   sync.WaitGroup
	asyncMu sync.Mutex
	closed  bool
}

// NewService creates a new incident service. metrics may be nil. Close
// flushes pending change publications and operator pages.
func NewService(store Store, d Dispatcher, tokens TokenSource, logger log.Logger, metrics *Metrics, cfg Config, opts ...Option) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:      store,
		dispatcher: d,
		tokens:     tokens,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.startSideEffects()
	return s
}

// clock returns the current time at storage precision.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Submit accepts a detection event. A duplicate within the dedup window
// merges into the open alert it duplicates; anything else creates a new
// pending alert and dispatches it.
func (s *Service) Submit(ctx context.Context, ev *Event) (*SubmitResult, error) {
	if err := Validate(ev); err != nil {
		s.metrics.submit("rejected")
		return nil, err
	}

	now := s.clock()
	key, notBefore := DedupKey(ev, s.cfg, now)

	notify := !s.cfg.NotifyThresholds || ev.Confidence >= NotifyThreshold(ev.EventType)
	cand := newAlert(ulid.Make().String(), ev, key, now)
	desc := "alert created"
	if notify {
		cand.DispatchGeneration = 1
	} else {
		desc = fmt.Sprintf("alert created; notification suppressed, confidence %.2f below %s threshold %.2f",
			ev.Confidence, ev.EventType, NotifyThreshold(ev.EventType))
	}
	if _, _, err := Apply(cand, TriggerCreated, "", desc, now); err != nil {
		return nil, err
	}

	a, merged, err := s.store.CreateOrMerge(ctx, cand, notBefore, func(existing *Alert) error {
		_, _, err := Apply(existing, TriggerMerged, "", mergeDescription(ev), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}

	L := s.logger.With("alert_id", a.ID, "event_type", string(ev.EventType), "camera_id", ev.CameraID)

	if merged {
		s.metrics.submit("merged")
		s.metrics.transition(TriggerMerged, a.Status)
		L.Info(ctx, "duplicate event merged", "dedup_key", key, "status", string(a.Status))
		s.publish(ctx, a)
		return &SubmitResult{AlertID: a.ID, Status: a.Status, Merged: true}, nil
	}

	s.metrics.submit("created")
	s.metrics.transition(TriggerCreated, a.Status)
	L.Info(ctx, "alert created",
		"severity", string(a.Severity),
		"confidence", a.Confidence,
		"notify", notify,
	)
	s.publish(ctx, a)

	if notify {
		s.dispatch(ctx, a, dispatch.PriorityNormal)
	} else {
		s.metrics.suppressed(a.EventType)
	}
	return &SubmitResult{AlertID: a.ID, Status: a.Status, Notified: notify}, nil
}

func mergeDescription(ev *Event) string {
	d := fmt.Sprintf("duplicate event merged (confidence %.2f)", ev.Confidence)
	if ev.ClientEventID != "" {
		d += ", clientEventId " + ev.ClientEventID
	}
	return d
}

// Get returns one alert with its full timeline.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Action is an operator command.
type Action string

const (
	ActionAcknowledge Action = "acknowledge"
	ActionEscalate    Action = "escalate"
	ActionResolve     Action = "resolve"
)

// ParseAction validates an operator action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAcknowledge, ActionEscalate, ActionResolve:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Act applies an operator action. A repeated causeID makes the call a
// no-op that returns the current alert.
func (s *Service) Act(ctx context.Context, id string, action Action, causeID string) (*Alert, error) {
	switch action {
	case ActionAcknowledge:
		return s.Acknowledge(ctx, id, causeID)
	case ActionEscalate:
		return s.Escalate(ctx, id, causeID)
	case ActionResolve:
		return s.Resolve(ctx, id, causeID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Acknowledge records that an operator has seen the alert.
func (s *Service) Acknowledge(ctx context.Context, id, causeID string) (*Alert, error) {
	return s.transition(ctx, id, TriggerAcknowledge, causeID, "acknowledged by operator", nil)
}

// Escalate moves the alert to escalated and re-dispatches it ahead of
// normal traffic.
func (s *Service) Escalate(ctx context.Context, id, causeID string) (*Alert, error) {
	return s.transition(ctx, id, TriggerEscalate, causeID, "escalated by operator", nil)
}

// Resolve closes the alert and cancels any pending delivery retries.
func (s *Service) Resolve(ctx context.Context, id, causeID string) (*Alert, error) {
	return s.transition(ctx, id, TriggerResolve, causeID, "resolved by operator", nil)
}

// UpdateNotes replaces the operator notes of an open alert.
func (s *Service) UpdateNotes(ctx context.Context, id, notes, causeID string) (*Alert, error) {
	if n := utf8.RuneCountInString(notes); n > MaxNotesLength {
		return nil, fmt.Errorf("%w: %d characters, max %d", ErrNotesTooLong, n, MaxNotesLength)
	}
	return s.transition(ctx, id, TriggerAnnotate, causeID, "notes updated", func(a *Alert) {
		a.Notes = notes
	})
}

// FollowUp opens a new alert linked to a resolved one. Resolved alerts are
// never reopened.
func (s *Service) FollowUp(ctx context.Context, id string) (*Alert, error) {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != StatusResolved {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResolved, id, prev.Status)
	}

	now := s.clock()
	newID := ulid.Make().String()
	ev := &Event{
		EventType:   prev.EventType,
		Confidence:  prev.Confidence,
		Reason:      prev.Reason,
		CameraID:    prev.CameraID,
		Location:    prev.Location,
		Timestamp:   now,
		SnapshotURL: prev.SnapshotURL,
		Mode:        prev.Mode,
	}
	a := newAlert(newID, ev, "fup:"+newID, now)
	a.Severity = prev.Severity
	a.FollowUpOf = prev.ID
	a.DispatchGeneration = 1
	if _, _, err := Apply(a, TriggerCreated, "", "follow-up of resolved alert "+prev.ID, now); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("store follow-up: %w", err)
	}

	s.metrics.transition(TriggerCreated, a.Status)
	s.logger.Info(ctx, "follow-up alert created", "alert_id", a.ID, "follow_up_of", prev.ID)
	s.publish(ctx, a)
	s.dispatch(ctx, a, dispatch.PriorityNormal)
	return a, nil
}

// transition applies trigger to the alert under the store's write lock and
// carries out the resulting side effect once committed. mutate runs only
// when the trigger was applied.
func (s *Service) transition(ctx context.Context, id string, trigger Trigger, causeID, desc string, mutate func(*Alert)) (*Alert, error) {
	var (
		effect  Effect
		applied bool
	)
	a, err := s.store.Update(ctx, id, func(a *Alert) error {
		eff, ok, err := Apply(a, trigger, causeID, desc, s.clock())
		if err != nil {
			return err
		}
		effect, applied = eff, ok
		if ok && mutate != nil {
			mutate(a)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.metrics.illegal(trigger)
		}
		return nil, err
	}
	if !applied {
		return a, nil
	}

	s.metrics.transition(trigger, a.Status)
	s.logger.Info(ctx, "alert transition",
		"alert_id", a.ID,
		"trigger", string(trigger),
		"status", string(a.Status),
		"effect", effect.String(),
	)
	s.publish(ctx, a)

	switch effect {
	case EffectRedispatch:
		s.dispatch(ctx, a, dispatch.PriorityHigh)
		s.notify(ctx, a, "escalated by operator")
	case EffectCancelDispatch:
		if s.dispatcher != nil {
			s.dispatcher.Cancel(a.ID)
		}
	}
	return a, nil
}

func (s *Service) dispatch(ctx context.Context, a *Alert, prio dispatch.Priority) {
	if s.dispatcher == nil {
		return
	}
	L := s.logger.With("alert_id", a.ID, "generation", a.DispatchGeneration)

	var tokens []string
	if s.tokens != nil {
		t, err := s.tokens.Active(ctx)
		if err != nil {
			// dispatching to nobody rolls up as all_failed and flags the alert
			L.Error(ctx, err, "failed to load recipient tokens")
		}
		tokens = t
	}

	req := &dispatch.Request{
		AlertID:    a.ID,
		Generation: a.DispatchGeneration,
		Priority:   prio,
		Tokens:     tokens,
		Message:    BuildMessage(a),
	}
	err := s.dispatcher.Submit(req)
	switch {
	case errors.Is(err, dispatch.ErrAlertClosed):
		L.Info(ctx, "alert closed before dispatch was enqueued")
	case err != nil:
		L.Error(ctx, err, "failed to enqueue dispatch")
	}
}

// ReportDispatch applies a finished dispatch batch to its alert. It
// implements dispatch.Reporter. Superseded batches, results for an older
// dispatch generation and results for resolved alerts are ignored.
func (s *Service) ReportDispatch(ctx context.Context, res *dispatch.Result) {
	if res == nil || res.Superseded {
		return
	}
	L := s.logger.With("alert_id", res.AlertID, "batch_id", res.BatchID, "generation", res.Generation)

	trigger := TriggerDispatchExhausted
	if res.Outcome.Succeeded() {
		trigger = TriggerDispatchSucceeded
	}
	rec := recordOf(res)
	desc := fmt.Sprintf("notification %s: %d delivered, %d invalid, %d failed",
		res.Outcome, rec.Delivered, rec.Invalid, rec.Failed)
	if res.TimedOut {
		desc += " (timed out)"
	}

	var (
		effect  Effect
		applied bool
	)
	a, err := s.store.Update(ctx, res.AlertID, func(a *Alert) error {
		if a.Status.Terminal() || a.DispatchGeneration != res.Generation {
			return errStaleDispatch
		}
		eff, ok, err := Apply(a, trigger, res.BatchID, desc, s.clock())
		if err != nil {
			return err
		}
		effect, applied = eff, ok
		if ok {
			a.Dispatch = rec
		}
		return nil
	})
	switch {
	case errors.Is(err, errStaleDispatch):
		L.Info(ctx, "ignoring stale dispatch result", "outcome", string(res.Outcome))
		return
	case errors.Is(err, ErrIllegalTransition):
		// an escalated alert's re-dispatch succeeding: the status has no
		// successor, so the alert is left as it is
		s.metrics.dispatchOutcome(string(res.Outcome))
		L.Info(ctx, "dispatch result does not move alert",
			"outcome", string(res.Outcome),
			"delivered", rec.Delivered,
		)
		return
	case errors.Is(err, ErrNotFound):
		L.Warn(ctx, "dispatch result for unknown alert", "outcome", string(res.Outcome))
		return
	case err != nil:
		L.Error(ctx, err, "failed to record dispatch result")
		return
	}

	s.metrics.dispatchOutcome(string(res.Outcome))
	L.Info(ctx, "dispatch result recorded",
		"outcome", string(res.Outcome),
		"delivered", rec.Delivered,
		"invalid", rec.Invalid,
		"failed", rec.Failed,
		"status", string(a.Status),
	)
	if !applied {
		return
	}
	s.metrics.transition(trigger, a.Status)
	s.publish(ctx, a)

	if effect == EffectNeedsAttention {
		s.metrics.needsAttention()
		s.notify(ctx, a, "notification could not be delivered to any recipient")
	}
}

func recordOf(res *dispatch.Result) *DispatchRecord {
	return &DispatchRecord{
		BatchID:     res.BatchID,
		Generation:  res.Generation,
		Outcome:     res.Outcome,
		Delivered:   res.Count(dispatch.StatusDelivered),
		Invalid:     res.Count(dispatch.StatusInvalidToken),
		Failed:      res.Count(dispatch.StatusTransient),
		TimedOut:    res.TimedOut,
		Tokens:      append([]dispatch.TokenResult(nil), res.Tokens...),
		CompletedAt: res.CompletedAt.UTC(),
	}
}

// PurgeResolved deletes resolved alerts not updated within olderThan.
func (s *Service) PurgeResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan)
	n, err := s.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge resolved alerts: %w", err)
	}
	s.metrics.purged(n)
	if n > 0 {
		s.logger.Info(ctx, "purged resolved alerts", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
