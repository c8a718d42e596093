package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/stageflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// RunStore and HistoryStore backed by maps. Records are copied on the
// way in and out.
type InMemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*api.RunRecord
	history map[string][]api.HistoryEntry
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:    make(map[string]*api.RunRecord),
		history: make(map[string][]api.HistoryEntry),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[rec.ID]; ok {
		return ErrRunExists
	}
	s.runs[rec.ID] = copyRecord(rec)
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[rec.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[rec.ID] = copyRecord(rec)
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRecord(rec), nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if filter.Matches(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, entry api.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[entry.RunID] = append(s.history[entry.RunID], entry)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[runID]
	out := make([]api.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func copyRecord(rec *api.RunRecord) *api.RunRecord {
	cp := *rec
	if rec.Output != nil {
		out := *rec.Output
		cp.Output = &out
	}
	return &cp
}

func sortRuns(runs []*api.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}
