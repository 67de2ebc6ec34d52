package engine

import (
	"context"
	"time"
)

// runJanitor purges expired terminal tasks every sweep interval until the
// engine stops.
func (e *Engine) runJanitor() {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.baseCtx)
		}
	}
}

// Sweep deletes terminal tasks that finished more than the retention period
// ago, along with their progress stream markers. It returns the number of
// tasks removed.
func (e *Engine) Sweep(ctx context.Context) int {
	cutoff := e.now().Add(-e.opts.Retention)
	n, err := e.store.Purge(ctx, cutoff)
	if err != nil {
		e.logger.Error("failed to purge expired tasks", "error", err)
		return 0
	}
	markers := e.broker.Prune(cutoff)
	if n > 0 {
		e.logger.Info("purged expired tasks", "count", n, "streams", markers)
	}
	return n
}
