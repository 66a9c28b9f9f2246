package authgate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startSweepers launches the background reconciliation loops: pruning stale
// session-index entries and deleting velocity-tracker keys that lost their
// TTL. Both are best effort; the data model stays correct without them, they
// only bound garbage accumulation.
func (e *Engine) startSweepers() {
	if interval := e.config.Session.SweepInterval; interval > 0 {
		e.sweepWG.Add(1)
		go e.runSweeper(interval, "session_index", func(ctx context.Context) (int, error) {
			return e.sessionStore.SweepIndexes(ctx)
		})
	}

	if interval := e.config.RateLimit.SweepInterval; interval > 0 && e.config.RateLimit.Enabled {
		e.sweepWG.Add(1)
		go e.runSweeper(interval, "velocity", func(ctx context.Context) (int, error) {
			return e.velocity.Sweep(ctx)
		})
	}
}

func (e *Engine) runSweeper(
	interval time.Duration,
	name string,
	sweep func(context.Context) (int, error),
) {
	defer e.sweepWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2)
			removed, err := sweep(ctx)
			cancel()

			if err != nil {
				e.log().Warn("sweep failed",
					zap.String("sweeper", name), zap.Error(err))
				continue
			}
			if removed > 0 {
				e.log().Debug("sweep completed",
					zap.String("sweeper", name), zap.Int("removed", removed))
			}
		case <-e.sweepStop:
			return
		}
	}
}
