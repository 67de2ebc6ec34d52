package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

// runStoreSuite exercises the Store contract against any driver.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("PutDuplicate", func(t *testing.T) { testPutDuplicate(t, newStore(t)) })
	t.Run("PutRejectsNonPending", func(t *testing.T) { testPutRejectsNonPending(t, newStore(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("InvalidTransitions", func(t *testing.T) { testInvalidTransitions(t, newStore(t)) })
	t.Run("RacingTerminalWrites", func(t *testing.T) { testRacingTerminalWrites(t, newStore(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, newStore(t)) })
}

func makeTestTask() *model.Task {
	return model.NewTask(model.Request{
		Type:      model.TypeTurnstile,
		URL:       "https://example.com",
		SiteKey:   "0x123",
		UserAgent: "test-agent",
		Proxy:     &model.Proxy{Scheme: "socks5", Host: "10.0.0.2", Port: 1080},
	}, time.Now())
}

func mustPut(t *testing.T, s Store, task *model.Task) {
	t.Helper()
	if err := s.Put(context.Background(), task); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func successResult(task *model.Task) *model.Result {
	return &model.Result{
		Success:  true,
		Code:     model.CodeOK,
		Response: map[string]any{"token": "tok"},
		Data:     task.Request,
	}
}

func testPutAndGet(t *testing.T, s Store) {
	task := makeTestTask()
	mustPut(t, s, task)

	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Type != model.TypeTurnstile {
		t.Errorf("Type = %q, want Turnstile", got.Type)
	}
	if got.Request.SiteKey != "0x123" || got.Request.Proxy == nil || got.Request.Proxy.Port != 1080 {
		t.Errorf("Request = %+v, not preserved", got.Request)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if got.Result != nil || got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("pending task has result or timestamps")
	}
}

func testGetNotFound(t *testing.T, s Store) {
	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func testPutDuplicate(t *testing.T, s Store) {
	task := makeTestTask()
	mustPut(t, s, task)
	if err := s.Put(context.Background(), task); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("second Put error = %v, want ErrDuplicateID", err)
	}
}

func testPutRejectsNonPending(t *testing.T, s Store) {
	task := makeTestTask()
	task.Status = model.StatusRunning
	if err := s.Put(context.Background(), task); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Put(running) error = %v, want ErrInvalidTransition", err)
	}
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	task := makeTestTask()
	mustPut(t, s, task)

	start := time.Now().UTC()
	running, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusRunning, At: start})
	if err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	if running.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", running.Status)
	}
	if running.StartedAt == nil || !running.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", running.StartedAt, start)
	}

	end := start.Add(250 * time.Millisecond)
	done, err := s.Update(ctx, task.ID, model.Transition{
		To: model.StatusCompleted, At: end, Result: successResult(task),
	})
	if err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	if done.FinishedAt == nil || !done.FinishedAt.Equal(end) {
		t.Errorf("FinishedAt = %v, want %v", done.FinishedAt, end)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Result == nil || !got.Result.Success || got.Result.Code != model.CodeOK {
		t.Fatalf("Result = %+v, want success", got.Result)
	}
	if got.Result.Response["token"] != "tok" {
		t.Errorf("Response = %v, want token", got.Result.Response)
	}
	if got.Result.Data.URL != task.Request.URL {
		t.Errorf("Data.URL = %q, want %q", got.Result.Data.URL, task.Request.URL)
	}
}

func testUpdateNotFound(t *testing.T, s Store) {
	_, err := s.Update(context.Background(), "nonexistent", model.Transition{To: model.StatusRunning, At: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update error = %v, want ErrNotFound", err)
	}
}

func testInvalidTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	task := makeTestTask()
	mustPut(t, s, task)

	// pending cannot jump to completed.
	_, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusCompleted, At: time.Now(), Result: successResult(task)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending→completed error = %v, want ErrInvalidTransition", err)
	}

	// pending cannot fail without being assigned.
	_, err = s.Update(ctx, task.ID, model.Transition{To: model.StatusFailed, At: time.Now(), Result: &model.Result{Code: 500}})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending→failed error = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusRunning, At: time.Now()}); err != nil {
		t.Fatalf("pending→running: %v", err)
	}

	// Nothing returns to pending.
	_, err = s.Update(ctx, task.ID, model.Transition{To: model.StatusPending, At: time.Now()})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("running→pending error = %v, want ErrInvalidTransition", err)
	}

	// Terminal transitions need a result.
	_, err = s.Update(ctx, task.ID, model.Transition{To: model.StatusFailed, At: time.Now()})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal without result error = %v, want ErrInvalidTransition", err)
	}

	timeout := &model.Result{Code: model.CodeTimeout, Error: "timed out", Data: task.Request}
	if _, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusTimedOut, At: time.Now(), Result: timeout}); err != nil {
		t.Fatalf("running→timed-out: %v", err)
	}

	// A late completion must lose.
	_, err = s.Update(ctx, task.ID, model.Transition{To: model.StatusCompleted, At: time.Now(), Result: successResult(task)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("timed-out→completed error = %v, want ErrInvalidTransition", err)
	}
	got, _ := s.Get(ctx, task.ID)
	if got.Status != model.StatusTimedOut || got.Result.Code != model.CodeTimeout {
		t.Errorf("after late write: status=%q code=%d, want timed-out/408", got.Status, got.Result.Code)
	}
}

func testRacingTerminalWrites(t *testing.T, s Store) {
	ctx := context.Background()
	const rounds = 10
	for range rounds {
		task := makeTestTask()
		mustPut(t, s, task)
		if _, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusRunning, At: time.Now()}); err != nil {
			t.Fatalf("pending→running: %v", err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			to := model.StatusCompleted
			res := successResult(task)
			if i%2 == 1 {
				to = model.StatusTimedOut
				res = &model.Result{Code: model.CodeTimeout, Data: task.Request}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, task.ID, model.Transition{To: to, At: time.Now(), Result: res})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrInvalidTransition):
				default:
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		if n := wins.Load(); n != 1 {
			t.Fatalf("winning writes = %d, want exactly 1", n)
		}
	}
}

func testListByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	var ids []string
	for i := range 4 {
		task := makeTestTask()
		task.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		mustPut(t, s, task)
		ids = append(ids, task.ID)
	}
	if _, err := s.Update(ctx, ids[1], model.Transition{To: model.StatusRunning, At: time.Now()}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending, err := s.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	want := []string{ids[0], ids[2], ids[3]}
	if len(pending) != len(want) {
		t.Fatalf("len(pending) = %d, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}

	running, err := s.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != ids[1] {
		t.Errorf("running = %v, want [%s]", running, ids[1])
	}
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if empty.Total != 0 || empty.AvgDurationMS != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	start := time.Now().UTC()
	for range 2 {
		task := makeTestTask()
		mustPut(t, s, task)
		if _, err := s.Update(ctx, task.ID, model.Transition{To: model.StatusRunning, At: start}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if _, err := s.Update(ctx, task.ID, model.Transition{
			To: model.StatusCompleted, At: start.Add(100 * time.Millisecond), Result: successResult(task),
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	cf := model.NewTask(model.Request{Type: model.TypeCloudflareChallenge, URL: "http://a"}, time.Now())
	mustPut(t, s, cf)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["completed"] != 2 || stats.CountByStatus["pending"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByType["Turnstile"] != 2 || stats.CountByType["CloudflareChallenge"] != 1 {
		t.Errorf("CountByType = %v", stats.CountByType)
	}
	if stats.AvgDurationMS < 99 || stats.AvgDurationMS > 101 {
		t.Errorf("AvgDurationMS = %f, want ~100", stats.AvgDurationMS)
	}
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	finished := makeTestTask()
	mustPut(t, s, finished)
	if _, err := s.Update(ctx, finished.ID, model.Transition{To: model.StatusRunning, At: old}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(ctx, finished.ID, model.Transition{To: model.StatusFailed, At: old, Result: &model.Result{Code: 500}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	recent := makeTestTask()
	mustPut(t, s, recent)
	if _, err := s.Update(ctx, recent.ID, model.Transition{To: model.StatusRunning, At: time.Now()}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(ctx, recent.ID, model.Transition{To: model.StatusCompleted, At: time.Now(), Result: successResult(recent)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Old but still pending: never purged.
	waiting := makeTestTask()
	waiting.CreatedAt = old
	mustPut(t, s, waiting)

	n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.Get(ctx, finished.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old finished task still present: %v", err)
	}
	if _, err := s.Get(ctx, recent.ID); err != nil {
		t.Errorf("recent task purged: %v", err)
	}
	if _, err := s.Get(ctx, waiting.ID); err != nil {
		t.Errorf("pending task purged: %v", err)
	}
}

func testSnapshotIsolation(t *testing.T, s Store) {
	ctx := context.Background()
	task := makeTestTask()
	mustPut(t, s, task)

	// Mutating the inserted value or a fetched snapshot must not leak in.
	task.Request.Proxy.Port = 1
	got, _ := s.Get(ctx, task.ID)
	got.Status = model.StatusCompleted
	got.Request.Proxy.Host = "mutated"

	again, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", again.Status)
	}
	if again.Request.Proxy.Port != 1080 || again.Request.Proxy.Host != "10.0.0.2" {
		t.Errorf("Proxy = %+v, store aliased caller memory", again.Request.Proxy)
	}
}
