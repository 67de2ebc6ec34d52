package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressBroker fans out solver progress lines per task. It is safe for
// concurrent use.
//
// Closed topics are kept as markers so that subscribers arriving after a
// task finished get a closed channel instead of blocking forever. The
// janitor prunes markers together with the tasks they belong to.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
	now    func() time.Time
}

type progressTopic struct {
	subs     map[int]chan string
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewProgressBroker creates an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
		now:    time.Now,
	}
}

// Subscribe returns a channel of progress lines for the task and an
// unsubscribe function. If the task already finished, the channel is closed.
func (b *ProgressBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a line to every subscriber of the task. Lines are dropped
// for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(taskID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the task's stream. Subscriber channels are closed and future
// Subscribe calls return a closed channel.
func (b *ProgressBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = b.now()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Prune drops closed markers older than the cutoff and returns how many
// were removed.
func (b *ProgressBroker) Prune(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, t := range b.topics {
		if t.closed && t.closedAt.Before(before) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}
