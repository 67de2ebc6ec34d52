package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

var (
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateID is returned when a task with the same ID already exists.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store holds the authoritative state of every submitted task. All methods
// are safe for concurrent use, and every returned task is a snapshot the
// caller owns.
type Store interface {
	// Put inserts a new pending task.
	Put(ctx context.Context, t *model.Task) error

	// Get returns the current snapshot of a task.
	Get(ctx context.Context, id string) (*model.Task, error)

	// Update atomically applies tr to the task. Of two racing transitions out
	// of the same state exactly one succeeds; the other gets ErrInvalidTransition.
	Update(ctx context.Context, id string, tr model.Transition) (*model.Task, error)

	// ListByStatus returns tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error)

	// Stats returns aggregate counts over all retained tasks.
	Stats(ctx context.Context) (*TaskStats, error)

	// Purge deletes terminal tasks that finished before the cutoff and
	// returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// checkNew validates a task handed to Put.
func checkNew(t *model.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task must have an id")
	}
	if t.Status != model.StatusPending || t.Result != nil {
		return ErrInvalidTransition
	}
	return nil
}

// statsAccumulator builds TaskStats incrementally; shared by drivers that
// aggregate in Go.
type statsAccumulator struct {
	stats    TaskStats
	durSum   float64
	finished int
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{stats: TaskStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}}
}

func (a *statsAccumulator) add(t *model.Task) {
	a.stats.Total++
	a.stats.CountByStatus[string(t.Status)]++
	a.stats.CountByType[string(t.Type)]++
	if t.StartedAt != nil && t.FinishedAt != nil {
		a.durSum += float64(t.Duration().Milliseconds())
		a.finished++
	}
}

func (a *statsAccumulator) result() *TaskStats {
	if a.finished > 0 {
		a.stats.AvgDurationMS = a.durSum / float64(a.finished)
	}
	return &a.stats
}
