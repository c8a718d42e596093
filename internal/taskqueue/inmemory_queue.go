package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a bounded, process-local Queue. Like SQLiteQueue it
// hands out requests in (NotBefore, enqueue order) and withholds a request
// until its NotBefore time has passed. Enqueue blocks while the queue is full.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []queued
	capacity int
	// changed is closed and replaced whenever pending changes.
	changed chan struct{}
}

type queued struct {
	due time.Time
	req Request
}

// NewInMemoryQueue creates a queue holding at most capacity requests.
// Capacity <= 0 means 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, r Request) error {
	for {
		q.mu.Lock()
		if len(q.pending) < q.capacity {
			due := r.NotBefore
			if due.IsZero() {
				due = time.Now()
			}
			// Equal due times keep arrival order.
			i := sort.Search(len(q.pending), func(i int) bool {
				return q.pending[i].due.After(due)
			})
			q.pending = append(q.pending, queued{})
			copy(q.pending[i+1:], q.pending[i:])
			q.pending[i] = queued{due: due, req: r}
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Request, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		var wait <-chan time.Time
		var timer *time.Timer
		if len(q.pending) > 0 {
			head := q.pending[0]
			d := time.Until(head.due)
			if d <= 0 {
				q.pending = q.pending[1:]
				q.broadcastLocked()
				q.mu.Unlock()
				r := head.req
				return &r, nil
			}
			timer = time.NewTimer(d)
			wait = timer.C
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-wait:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *InMemoryQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
