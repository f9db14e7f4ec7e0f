package drip

import (
	"context"
	"time"
)

// Run ticks immediately and then every interval until ctx is cancelled.
// Ticks never overlap; a slow tick delays the next one.
func (s *Sequencer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		s.runTick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Sequencer) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep, err := s.Tick(ctx, time.Now())
	if err != nil {
		s.logger.Error(ctx, err, "tick failed")
		return
	}
	if rep.Due == 0 {
		return
	}
	s.logger.Info(ctx, "tick complete",
		"due", rep.Due,
		"sent", rep.Sent,
		"recovered", rep.Recovered,
		"failed", rep.Failed,
		"completed", rep.Completed,
		"cancelled", rep.Cancelled,
		"skipped", rep.Skipped,
		"remaining", rep.Remaining,
	)
}
