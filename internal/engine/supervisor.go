package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/store"
)

// Supervisor enforces the per-task deadline. A task armed at startedAt is
// cancelled and marked timed-out at startedAt plus the timeout unless it is
// disarmed first.
type Supervisor struct {
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// onTimedOut runs after the supervisor's timed-out write wins.
	onTimedOut func(t *model.Task)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSupervisor creates a supervisor with the given per-task timeout.
func NewSupervisor(s store.Store, timeout time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:   s,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// Arm schedules the deadline for t. On expiry the solver context is
// cancelled with ErrDeadlineExceeded before the timed-out transition is
// written.
func (s *Supervisor) Arm(t *model.Task, startedAt time.Time, cancel context.CancelCauseFunc) {
	id, typ, req := t.ID, t.Type, t.Request.Clone()
	delay := startedAt.Add(s.timeout).Sub(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.expire(id, typ, req, cancel)
	})
}

// Disarm cancels the deadline for id. It reports false if the deadline
// already fired, in which case the supervisor owns the terminal write.
func (s *Supervisor) Disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		return false
	}
	tm.Stop()
	delete(s.timers, id)
	return true
}

// Armed returns the number of pending deadlines.
func (s *Supervisor) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every pending deadline without firing it.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
}

func (s *Supervisor) expire(id string, typ model.TaskType, req model.Request, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	if _, ok := s.timers[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	cancel(ErrDeadlineExceeded)

	result := &model.Result{
		Success: false,
		Code:    model.CodeTimeout,
		Data:    req,
		Error:   timeoutMessage(typ, s.timeout),
	}
	t, err := s.store.Update(context.Background(), id, model.Transition{
		To:     model.StatusTimedOut,
		At:     s.now(),
		Result: result,
	})
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		s.logger.Debug("deadline lost race to terminal write", "task_id", id)
		return
	case err != nil:
		s.logger.Error("failed to mark task timed out", "task_id", id, "error", err)
		return
	}
	s.logger.Warn("task timed out", "task_id", id, "type", typ, "timeout", s.timeout)
	if s.onTimedOut != nil {
		s.onTimedOut(t)
	}
}

func timeoutMessage(typ model.TaskType, timeout time.Duration) string {
	secs := strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	switch typ {
	case model.TypeCloudflareChallenge:
		return fmt.Sprintf("Cloudflare bypass failed due to timeout after %s seconds. Consider increasing the timeout value.", secs)
	case model.TypeTurnstile:
		return fmt.Sprintf("Timeout to solve the turnstile after %s seconds, please retry later.", secs)
	default:
		return fmt.Sprintf("Timeout to solve the captcha after %s seconds, please retry later.", secs)
	}
}
