package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// Request asks a worker to start one run. Task implementations are not
// part of the request; the worker resolves them from its own registry, so
// a request can be persisted.
type Request struct {
	ID       string
	Workflow string
	Input    string
	Flags    map[string]bool
	History  []api.Message

	// Attempts counts earlier failed runs of this request.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this request should be started.
	// Zero value means "immediately".
	NotBefore time.Time
}

// Ready reports whether r may be started at now.
func (r Request) Ready(now time.Time) bool {
	return r.NotBefore.IsZero() || !r.NotBefore.After(now)
}

// Queue is a simple async request queue interface.
type Queue interface {
	// Enqueue adds a request to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, r Request) error

	// Dequeue removes and returns the next request, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Request, error)

	// Len returns the approximate number of requests queued.
	Len() int
}
