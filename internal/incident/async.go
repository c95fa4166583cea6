package incident

import (
	"context"
	"fmt"
)

const (
	// publishQueueSize bounds lifecycle changes waiting to be published.
	publishQueueSize = 1024
	// maxConcurrentPages bounds operator pages in flight.
	maxConcurrentPages = 8
)

type publication struct {
	ctx    context.Context
	change *Change
}

// startSideEffects launches the publish loop. Changes are published in
// order by a single goroutine; operator pages run on their own goroutines.
// Neither runs on the caller's goroutine, which is often a dispatch worker.
func (s *Service) startSideEffects() {
	s.pages = make(chan struct{}, maxConcurrentPages)
	if len(s.publishers) == 0 {
		return
	}
	s.changes = make(chan publication, publishQueueSize)
	s.async.Add(1)
	go s.publishLoop()
}

func (s *Service) publishLoop() {
	defer s.async.Done()
	for p := range s.changes {
		for _, pub := range s.publishers {
			if err := pub.Publish(p.ctx, p.change); err != nil {
				s.metrics.publishError()
				s.logger.Warn(p.ctx, "failed to publish alert change",
					"alert_id", p.change.AlertID,
					"trigger", string(p.change.Trigger),
					"error", err.Error(),
				)
			}
		}
	}
}

// publish queues the change for a's latest timeline entry. A full queue
// drops the change.
func (s *Service) publish(ctx context.Context, a *Alert) {
	if s.changes == nil {
		return
	}
	c := ChangeOf(a)

	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.closed {
		s.logger.Warn(ctx, "service closed, dropping alert change", "alert_id", a.ID, "trigger", string(c.Trigger))
		return
	}
	select {
	case s.changes <- publication{ctx: context.WithoutCancel(ctx), change: c}:
	default:
		s.metrics.publishError()
		s.logger.Warn(ctx, "publish queue full, dropping alert change", "alert_id", a.ID, "trigger", string(c.Trigger))
	}
}

// notify pages operators about a in the background.
func (s *Service) notify(ctx context.Context, a *Alert, reason string) {
	if s.notifier == nil {
		return
	}
	s.asyncMu.Lock()
	if s.closed {
		s.asyncMu.Unlock()
		s.logger.Warn(ctx, "service closed, dropping operator page", "alert_id", a.ID, "reason", reason)
		return
	}
	s.async.Add(1)
	s.asyncMu.Unlock()

	a = a.Clone()
	nctx := context.WithoutCancel(ctx)
	go func() {
		defer s.async.Done()
		s.pages <- struct{}{}
		defer func() { <-s.pages }()
		if err := s.notifier.Notify(nctx, a, reason); err != nil {
			s.logger.Error(nctx, err, "failed to notify operators", "alert_id", a.ID)
		}
	}()
}

// Close stops accepting change publications and operator pages, then waits
// for the queued ones to finish or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.asyncMu.Lock()
	if !s.closed {
		s.closed = true
		if s.changes != nil {
			close(s.changes)
		}
	}
	s.asyncMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("incident: close: %w", ctx.Err())
	}
}
