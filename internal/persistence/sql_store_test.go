package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stageflow/internal/testutil"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every pooled connection to :memory: would see its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, newTestSQLiteStore(t))
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := NewSQLiteStore(store.db)
	require.NoError(t, err)
	require.Equal(t, "sqlite", store.Dialect())
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	for _, table := range []string{"stageflow_runs", "stageflow_history"} {
		_, err := db.Exec("DROP TABLE IF EXISTS " + table)
		require.NoError(t, err)
	}

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	testStore(t, store)
}

func TestDialectRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	require.Equal(t, q, sqliteDialect.rebind(q))
	require.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", postgresDialect.rebind(q))
}
