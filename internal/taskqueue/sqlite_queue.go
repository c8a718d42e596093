package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent request queue backed by SQLite. Requests are
// claimed in (not_before, id) order; a request is only visible once its
// NotBefore time has passed.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS stageflow_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			input TEXT NOT NULL,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, r Request) error {
	payload, err := encodePayload(r)
	if err != nil {
		return err
	}

	enqueuedAt := r.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	notBefore := enqueuedAt
	if !r.NotBefore.IsZero() {
		notBefore = r.NotBefore
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO stageflow_queue (request_id, workflow, input, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Workflow,
		r.Input,
		payload,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
		r.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Request, error) {
	for {
		r, err := q.claim(ctx)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq        int64
		r          Request
		payload    []byte
		enqueuedAt int64
		notBefore  int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT seq, request_id, workflow, input, payload, enqueued_at, not_before, attempts
		FROM stageflow_queue
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`, time.Now().UnixNano())
	if err := row.Scan(&seq, &r.ID, &r.Workflow, &r.Input, &payload, &enqueuedAt, &notBefore, &r.Attempts); err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM stageflow_queue WHERE seq = ?`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := decodePayload(payload, &r); err != nil {
		return nil, err
	}
	r.EnqueuedAt = time.Unix(0, enqueuedAt)
	r.NotBefore = time.Unix(0, notBefore)
	return &r, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM stageflow_queue`).Scan(&n); err != nil {
		return 0
	}
	return n
}
