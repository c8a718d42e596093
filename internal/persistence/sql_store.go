package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	blob       string
	serialPK   string
	dollarArgs bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		blob:     "BLOB",
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:       "postgres",
		blob:       "BYTEA",
		serialPK:   "BIGSERIAL PRIMARY KEY",
		dollarArgs: true,
	}
)

// rebind rewrites ? placeholders for dialects that use $n.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a RunStore and HistoryStore backed by database/sql.
//
// It expects an *sql.DB opened with a driver matching its dialect. The caller
// is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLiteStore initializes the schema in db and returns a SQLite-backed store.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}

// NewPostgresStore initializes the schema in db and returns a
// PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dialect names the SQL backend.
func (s *SQLStore) Dialect() string { return s.d.name }

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stageflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output ` + s.d.blob + `,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL DEFAULT 0,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stageflow_runs_workflow ON stageflow_runs(workflow, status)`,
		`CREATE TABLE IF NOT EXISTS stageflow_history (
			id ` + s.d.serialPK + `,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stageflow_history_run ON stageflow_history(run_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	output, err := EncodeResult(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO stageflow_runs (id, workflow, status, input, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Workflow,
		string(rec.Status),
		rec.Input,
		output,
		errString(rec.Err),
		unixNano(rec.StartedAt),
		unixNano(rec.FinishedAt),
	)
	return err
}

func (s *SQLStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	output, err := EncodeResult(rec.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE stageflow_runs
		SET workflow = ?, status = ?, input = ?, output = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?`),
		rec.Workflow,
		string(rec.Status),
		rec.Input,
		output,
		errString(rec.Err),
		unixNano(rec.StartedAt),
		unixNano(rec.FinishedAt),
		rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

const selectRuns = `
	SELECT id, workflow, status, input, output, error, started_at, finished_at
	FROM stageflow_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.RunRecord, error) {
	var (
		rec               api.RunRecord
		status, errStr    string
		output            []byte
		started, finished int64
	)
	if err := row.Scan(&rec.ID, &rec.Workflow, &status, &rec.Input, &output, &errStr, &started, &finished); err != nil {
		return nil, err
	}
	out, err := DecodeResult(output)
	if err != nil {
		return nil, err
	}
	rec.Status = api.Status(status)
	rec.Output = out
	rec.Err = errFromString(errStr)
	rec.StartedAt = fromUnixNano(started)
	rec.FinishedAt = fromUnixNano(finished)
	return &rec, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(selectRuns+` WHERE id = ?`), id)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	query := selectRuns
	var (
		args    []any
		clauses []string
	)
	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*api.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func (s *SQLStore) AppendEvent(ctx context.Context, entry api.HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO stageflow_history (run_id, at, type, workflow, step, kind, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.RunID,
		at.UnixNano(),
		string(entry.Type),
		entry.Workflow,
		entry.Step,
		string(entry.Kind),
		entry.Detail,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT run_id, at, type, workflow, step, kind, detail
		FROM stageflow_history
		WHERE run_id = ?
		ORDER BY id ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEntry
	for rows.Next() {
		var (
			e        api.HistoryEntry
			atN      int64
			typ, knd string
		)
		if err := rows.Scan(&e.RunID, &atN, &typ, &e.Workflow, &e.Step, &knd, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, atN)
		e.Type = api.HistoryType(typ)
		e.Kind = api.Kind(knd)
		out = append(out, e)
	}
	return out, rows.Err()
}
