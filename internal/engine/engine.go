package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/cloudflyer/internal/events"
	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/solver"
	"github.com/seantiz/cloudflyer/internal/store"
)

// Defaults for zero Options fields.
const (
	DefaultTimeout       = 120 * time.Second
	DefaultCancelGrace   = 10 * time.Second
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute

	publishTimeout = 2 * time.Second
)

var (
	// ErrDeadlineExceeded is the cancellation cause for a task that ran past
	// its deadline.
	ErrDeadlineExceeded = errors.New("task deadline exceeded")

	// ErrShutdown is the cancellation cause for tasks interrupted by Stop.
	ErrShutdown = errors.New("server shutting down")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("engine stopped")

	errAbandoned = errors.New("solver did not return after cancellation")
)

// Options configures an Engine. Zero values take defaults.
type Options struct {
	// Slots is the number of tasks run concurrently.
	Slots int
	// Timeout is the per-task deadline measured from the running transition.
	Timeout time.Duration
	// CancelGrace is how long a slot waits for a cancelled solver before
	// abandoning the call.
	CancelGrace time.Duration
	// Retention is how long terminal tasks are kept.
	Retention time.Duration
	// SweepInterval is the janitor period.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Slots < 1 {
		o.Slots = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Engine accepts tasks and runs them on a fixed pool of worker slots.
type Engine struct {
	store      store.Store
	registry   *solver.Registry
	events     events.Publisher
	logger     *slog.Logger
	opts       Options
	queue      *queue
	supervisor *Supervisor
	broker     *ProgressBroker
	now        func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopped    atomic.Bool
	running    atomic.Int32
}

// New creates an engine. Call Start to begin executing tasks.
func New(s store.Store, reg *solver.Registry, pub events.Publisher, logger *slog.Logger, opts Options) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &Engine{
		store:      s,
		registry:   reg,
		events:     pub,
		logger:     logger,
		opts:       opts,
		supervisor: NewSupervisor(s, opts.Timeout, logger),
		broker:     NewProgressBroker(),
		now:        time.Now,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	e.queue = newQueue(func() time.Time { return e.now() })
	e.supervisor.onTimedOut = e.timedOut
	return e
}

// Broker returns the engine's progress broker for live streaming.
func (e *Engine) Broker() *ProgressBroker {
	return e.broker
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Running returns the number of occupied slots.
func (e *Engine) Running() int {
	return int(e.running.Load())
}

// Stopped reports whether Stop has been called.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

// QueueDepth returns the number of tasks waiting for a slot.
func (e *Engine) QueueDepth() int {
	return e.queue.len()
}

// Start recovers tasks left over by a previous process and launches the
// worker slots and the retention janitor. Calling Start more than once has
// no effect.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if err = e.recoverTasks(ctx); err != nil {
			return
		}
		for slot := range e.opts.Slots {
			e.wg.Go(func() { e.runSlot(slot) })
		}
		e.wg.Go(e.runJanitor)
		e.logger.Info("engine started",
			"slots", e.opts.Slots,
			"timeout", e.opts.Timeout,
			"retention", e.opts.Retention,
		)
	})
	return err
}

// Submit validates req, stores it as a pending task, and queues it. It
// returns as soon as the task is stored and never waits for execution.
func (e *Engine) Submit(ctx context.Context, req model.Request) (*model.Task, error) {
	if e.stopped.Load() {
		return nil, ErrStopped
	}
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t := model.NewTask(req, e.now())
	if err := e.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	e.queue.push(t.Clone())
	queueDepth.Set(float64(e.queue.len()))
	tasksSubmitted.WithLabelValues(string(t.Type)).Inc()

	e.logger.Info("task submitted", "task_id", t.ID, "type", t.Type, "url", t.Request.URL)
	e.publish(t)
	return t, nil
}

// Stop stops accepting tasks, cancels in-flight solvers with ErrShutdown,
// and waits for the slots to drain or ctx to end. Pending tasks stay
// pending in the store.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.cancelBase(ErrShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	defer e.supervisor.StopAll()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker slots: %w", ctx.Err())
	}
}

func (e *Engine) runSlot(slot int) {
	for {
		t, assignedAt, err := e.queue.pop(e.baseCtx)
		if err != nil {
			return
		}
		queueDepth.Set(float64(e.queue.len()))
		e.process(slot, t, assignedAt)
	}
}

// process runs one task to a terminal status. start is the time the queue
// handed the task out and becomes its StartedAt.
func (e *Engine) process(slot int, t *model.Task, start time.Time) {
	log := e.logger.With("task_id", t.ID, "type", t.Type, "slot", slot)
	defer e.broker.Close(t.ID)

	running, err := e.store.Update(context.Background(), t.ID, model.Transition{To: model.StatusRunning, At: start})
	if err != nil {
		// Purged or already finished by recovery.
		log.Warn("failed to start task", "error", err)
		return
	}
	e.running.Add(1)
	tasksRunning.Inc()
	defer func() {
		e.running.Add(-1)
		tasksRunning.Dec()
	}()
	log.Info("task started")
	e.publish(running)

	ctx, cancel := context.WithCancelCause(e.baseCtx)
	defer cancel(nil)
	e.supervisor.Arm(t, start, cancel)

	outcome, err := e.invoke(ctx, log, t)
	if !e.supervisor.Disarm(t.ID) {
		// The deadline fired; the supervisor writes timed-out.
		return
	}

	tr := e.terminal(t, outcome, err, context.Cause(ctx))
	if err != nil {
		log.Error("solver failed", "error", err)
	}
	e.finish(log, t.ID, tr)
}

type callResult struct {
	outcome solver.Outcome
	err     error
}

// invoke runs the solver in its own goroutine so a panic or a solver that
// ignores cancellation cannot take the slot down with it.
func (e *Engine) invoke(ctx context.Context, log *slog.Logger, t *model.Task) (solver.Outcome, error) {
	s, err := e.registry.Resolve(t.Type)
	if err != nil {
		return solver.Outcome{}, fmt.Errorf("resolve solver: %w", err)
	}
	req := solver.Request{
		TaskID: t.ID,
		Type:   t.Type,
		Task:   t.Request.Clone(),
		Progress: func(line string) {
			e.broker.Publish(t.ID, line)
		},
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("solver panicked", "panic", r, "stack", string(debug.Stack()))
				done <- callResult{err: fmt.Errorf("solver panicked: %v", r)}
			}
		}()
		out, err := s.Execute(ctx, req)
		done <- callResult{outcome: out, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(e.opts.CancelGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		return r.outcome, r.err
	case <-grace.C:
		log.Warn("solver ignored cancellation, abandoning call", "grace", e.opts.CancelGrace)
		return solver.Outcome{}, errAbandoned
	}
}

// terminal maps a solver return to the task's terminal transition.
func (e *Engine) terminal(t *model.Task, out solver.Outcome, err, cause error) model.Transition {
	result := &model.Result{Data: t.Request.Clone()}
	status := model.StatusFailed

	switch {
	case errors.Is(cause, ErrShutdown):
		result.Code = model.CodeUnavailable
		result.Error = "Task interrupted by server shutdown."
	case err != nil:
		result.Code = model.CodeSolverError
		result.Error = err.Error()
	case out.Success:
		status = model.StatusCompleted
		result.Success = true
		result.Code = out.Code
		if result.Code == 0 {
			result.Code = model.CodeOK
		}
		result.Response = out.Response
	default:
		result.Code = out.Code
		if result.Code == 0 {
			result.Code = model.CodeSolverError
		}
		result.Error = out.Error
		result.Response = out.Response
	}
	return model.Transition{To: status, At: e.now(), Result: result}
}

// finish writes a terminal transition. Losing a race to another terminal
// write is expected and only logged at debug.
func (e *Engine) finish(log *slog.Logger, id string, tr model.Transition) {
	t, err := e.store.Update(context.Background(), id, tr)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Debug("terminal write lost race", "status", tr.To)
		return
	case err != nil:
		log.Error("failed to record task result", "status", tr.To, "error", err)
		return
	}
	log.Info("task finished", "status", t.Status, "code", t.Result.Code, "duration", t.Duration())
	e.recordFinished(t)
}

// timedOut runs once the supervisor's timed-out write wins. The progress
// stream ends here rather than when the slot gets its solver back.
func (e *Engine) timedOut(t *model.Task) {
	e.broker.Close(t.ID)
	e.recordFinished(t)
}

// recordFinished updates metrics and publishes the event for a terminal task.
func (e *Engine) recordFinished(t *model.Task) {
	tasksFinished.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	if d := t.Duration(); d > 0 {
		taskDuration.WithLabelValues(string(t.Type)).Observe(d.Seconds())
	}
	e.publish(t)
}

func (e *Engine) publish(t *model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.events.Publish(ctx, events.FromTask(t, e.now())); err != nil {
		e.logger.Warn("failed to publish task event", "task_id", t.ID, "status", t.Status, "error", err)
	}
}
