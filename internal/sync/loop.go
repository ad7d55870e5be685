package sync

import (
	"context"
	"log/slog"
	"time"
)

// Run calls RunOnce, sleeps for interval and repeats until ctx is cancelled
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	for {
		summary := s.RunOnce(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		next := s.now().Add(interval)
		slog.InfoContext(ctx, "Sleeping until next run",
			"interval", interval,
			"next_run", next.Format(time.RFC3339),
			"failed_projects", len(summary.Failed()),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
