package stageflow

import (
	"database/sql"

	"github.com/petrijr/stageflow/internal/taskqueue"
	workerpkg "github.com/petrijr/stageflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable request queue, and a
// Worker that consumes requests from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Run records, history and queued start requests
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stageflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stageflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3, Tasks: tasks})
//	// register workflows on bundle.Engine
//	// enqueue work via bundle.Worker
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	w := workerpkg.NewWithConfig(eng, q, cfg)

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		queue:  q,
	}, nil
}

// Pending reports how many start requests are waiting in the queue.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
