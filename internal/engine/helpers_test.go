package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/cloudflyer/internal/engine"
	"github.com/seantiz/cloudflyer/internal/events"
	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/solver"
	"github.com/seantiz/cloudflyer/internal/store"
)

type solveFunc func(ctx context.Context, req solver.Request) (solver.Outcome, error)

// funcSolver adapts a function to solver.Solver.
type funcSolver struct {
	typ model.TaskType
	fn  solveFunc
}

func (f *funcSolver) Execute(ctx context.Context, req solver.Request) (solver.Outcome, error) {
	return f.fn(ctx, req)
}

func (f *funcSolver) Capabilities() solver.Capabilities {
	return solver.Capabilities{Name: "func", TaskType: f.typ, Driver: "test"}
}

// delaySolver succeeds after d, or returns the context error if cancelled first.
func delaySolver(d time.Duration) solveFunc {
	return func(ctx context.Context, req solver.Request) (solver.Outcome, error) {
		select {
		case <-time.After(d):
			return solver.Succeeded(map[string]any{"token": "tok-" + req.TaskID}), nil
		case <-ctx.Done():
			return solver.Outcome{}, ctx.Err()
		}
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statusesFor(id string) []model.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Status
	for _, ev := range p.events {
		if ev.TaskID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts engine.Options, fn solveFunc) (*engine.Engine, store.Store, *recordingPublisher) {
	t.Helper()
	return newTestEngineWithStore(t, store.NewMemoryStore(), opts, fn)
}

func newTestEngineWithStore(t *testing.T, s store.Store, opts engine.Options, fn solveFunc) (*engine.Engine, store.Store, *recordingPublisher) {
	t.Helper()
	reg := solver.NewRegistry()
	for _, typ := range model.TaskTypes {
		reg.Register(typ, &funcSolver{typ: typ, fn: fn})
	}
	pub := &recordingPublisher{}
	eng := engine.New(s, reg, pub, discardLogger(), opts)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		s.Close()
	})
	return eng, s, pub
}

func cloudflareRequest(url string) model.Request {
	return model.Request{Type: model.TypeCloudflareChallenge, URL: url}
}

func mustSubmit(t *testing.T, eng *engine.Engine, req model.Request) *model.Task {
	t.Helper()
	task, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id string, expected model.Status, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := s.Get(context.Background(), id)
	t.Fatalf("task %s did not reach status %q within %v (status %q)", id, expected, timeout, task.Status)
	return nil
}
