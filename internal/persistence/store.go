package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/stageflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run record is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when saving a run whose ID is already stored.
	ErrRunExists = errors.New("run already exists")
)

// RunFilter is used to select runs from the store.
// Empty string / zero status mean "no filter" for that field.
type RunFilter struct {
	Workflow string
	Status   api.Status
}

// Matches reports whether rec passes the filter.
func (f RunFilter) Matches(rec *api.RunRecord) bool {
	if f.Workflow != "" && rec.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// RunStore handles storage of run records. Records are summaries for
// inspection only; runs are never resumed from them.
type RunStore interface {
	SaveRun(ctx context.Context, rec *api.RunRecord) error
	UpdateRun(ctx context.Context, rec *api.RunRecord) error
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)
	// ListRuns returns matching runs ordered by start time.
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error)
}

// HistoryStore is an append-only history store for run execution entries.
type HistoryStore interface {
	AppendEvent(ctx context.Context, entry api.HistoryEntry) error
	ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error)
}

// NoopHistoryStore discards all entries.
type NoopHistoryStore struct{}

func (NoopHistoryStore) AppendEvent(ctx context.Context, entry api.HistoryEntry) error { return nil }
func (NoopHistoryStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return nil, nil
}

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Runs    RunStore
	History HistoryStore
}

// Store is implemented by backends that persist both runs and history.
type Store interface {
	RunStore
	HistoryStore
}

// FromStore uses s for both runs and history.
func FromStore(s Store) Persistence {
	return Persistence{Runs: s, History: s}
}
