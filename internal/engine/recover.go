package engine

import (
	"context"
	"fmt"

	"github.com/seantiz/cloudflyer/internal/model"
)

// recoverTasks reconciles tasks left in the store by a previous process.
// Running tasks lost their solver and are failed; pending tasks are queued
// again in creation order.
func (e *Engine) recoverTasks(ctx context.Context) error {
	running, err := e.store.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range running {
		e.finish(e.logger.With("task_id", t.ID, "type", t.Type), t.ID, model.Transition{
			To: model.StatusFailed,
			At: e.now(),
			Result: &model.Result{
				Code:  model.CodeSolverError,
				Data:  t.Request.Clone(),
				Error: "Task interrupted by server restart.",
			},
		})
	}

	pending, err := e.store.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	for _, t := range pending {
		e.queue.push(t)
	}
	queueDepth.Set(float64(e.queue.len()))

	if len(running) > 0 || len(pending) > 0 {
		e.logger.Info("recovered tasks", "interrupted", len(running), "requeued", len(pending))
	}
	return nil
}
