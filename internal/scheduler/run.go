package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
