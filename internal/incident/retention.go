package incident

import (
	"context"
	"time"
)

// RunRetention purges resolved alerts older than olderThan once per
// interval until ctx is done. Failures are logged and retried on the next
// tick.
func (s *Service) RunRetention(ctx context.Context, olderThan, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	s.logger.Info(ctx, "retention sweep started", "retention", olderThan.String(), "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.PurgeResolved(ctx, olderThan); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, err, "retention sweep failed")
			}
		}
	}
}
