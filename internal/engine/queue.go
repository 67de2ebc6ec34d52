package engine

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

// queue is an unbounded FIFO of pending tasks shared by all slots.
type queue struct {
	mu    sync.Mutex
	items []*model.Task
	// ready is closed and replaced on every push to wake waiting slots.
	ready chan struct{}
	now   func() time.Time
}

func newQueue(now func() time.Time) *queue {
	return &queue{ready: make(chan struct{}), now: now}
}

func (q *queue) push(t *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
	close(q.ready)
	q.ready = make(chan struct{})
}

// pop removes the oldest task, blocking until one is available or ctx ends.
// Once ctx is done no task is handed out, even if some are queued. The
// assignment time is read under the lock, so assignment times never
// decrease in queue order across slots.
func (q *queue) pop(ctx context.Context) (*model.Task, time.Time, error) {
	for {
		q.mu.Lock()
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, time.Time{}, err
		}
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			at := q.now()
			q.mu.Unlock()
			return t, at, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		case <-ready:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
