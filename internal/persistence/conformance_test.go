package persistence

import (
	"context"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

// testStore runs the behaviour every backend must share.
func testStore(t *testing.T, s Store) {
	t.Helper()

	t.Run("SaveGetUpdate", func(t *testing.T) { testSaveGetUpdate(t, s) })
	t.Run("ListRunsFilters", func(t *testing.T) { testListRunsFilters(t, s) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, s) })
	t.Run("History", func(t *testing.T) { testHistory(t, s) })
}

func testSaveGetUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	started := time.Unix(1700000000, 0)

	rec := &api.RunRecord{
		ID:        "run-save-1",
		Workflow:  "wf-test",
		Status:    api.StatusRunning,
		Input:     "hello",
		StartedAt: started,
	}
	require.NoError(t, s.SaveRun(ctx, rec))

	got, err := s.GetRun(ctx, "run-save-1")
	require.NoError(t, err)
	require.Equal(t, "wf-test", got.Workflow)
	require.Equal(t, api.StatusRunning, got.Status)
	require.Equal(t, "hello", got.Input)
	require.Nil(t, got.Output)
	require.NoError(t, got.Err)
	require.True(t, got.StartedAt.Equal(started))
	require.True(t, got.FinishedAt.IsZero())

	got.Status = api.StatusFailed
	got.Output = &api.Result{Response: "partial", Value: samplePayload{Msg: "done", N: 99}}
	got.Err = errors.New("something happened")
	got.FinishedAt = started.Add(time.Minute)
	require.NoError(t, s.UpdateRun(ctx, got))

	got2, err := s.GetRun(ctx, "run-save-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, got2.Status)
	require.NotNil(t, got2.Output)
	require.Equal(t, "partial", got2.Output.Response)
	require.Equal(t, samplePayload{Msg: "done", N: 99}, got2.Output.Value)
	require.EqualError(t, got2.Err, "something happened")
	require.True(t, got2.FinishedAt.Equal(started.Add(time.Minute)))

	_, err = s.GetRun(ctx, "run-missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func testListRunsFilters(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Unix(1700001000, 0)

	recs := []*api.RunRecord{
		{ID: "list-1", Workflow: "wf-A", Status: api.StatusRunning, StartedAt: base},
		{ID: "list-2", Workflow: "wf-A", Status: api.StatusRunning, StartedAt: base.Add(time.Second)},
		{ID: "list-3", Workflow: "wf-B", Status: api.StatusRunning, StartedAt: base.Add(2 * time.Second)},
	}
	for _, r := range recs {
		require.NoError(t, s.SaveRun(ctx, r))
	}

	done := *recs[1]
	done.Status = api.StatusCompleted
	require.NoError(t, s.UpdateRun(ctx, &done))

	byWF, err := s.ListRuns(ctx, RunFilter{Workflow: "wf-A"})
	require.NoError(t, err)
	require.Equal(t, []string{"list-1", "list-2"}, runIDs(byWF))

	byStatus, err := s.ListRuns(ctx, RunFilter{Workflow: "wf-A", Status: api.StatusRunning})
	require.NoError(t, err)
	require.Equal(t, []string{"list-1"}, runIDs(byStatus))

	completed, err := s.ListRuns(ctx, RunFilter{Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Contains(t, runIDs(completed), "list-2")
	require.NotContains(t, runIDs(completed), "list-1")

	none, err := s.ListRuns(ctx, RunFilter{Workflow: "wf-none"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testUpdateMissing(t *testing.T, s Store) {
	err := s.UpdateRun(context.Background(), &api.RunRecord{ID: "never-saved", Workflow: "wf", Status: api.StatusFailed})
	require.ErrorIs(t, err, ErrRunNotFound)
}

func testHistory(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Unix(1700002000, 0)

	entries := []api.HistoryEntry{
		{RunID: "hist-1", At: at, Type: api.HistoryRunStarted, Workflow: "wf"},
		{RunID: "hist-1", At: at, Type: api.HistoryStepStarted, Workflow: "wf", Step: "first", Kind: api.KindStart},
		{RunID: "hist-2", At: at, Type: api.HistoryRunStarted, Workflow: "wf"},
		{RunID: "hist-1", At: at.Add(time.Second), Type: api.HistoryRunCompleted, Workflow: "wf", Detail: "ok"},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	got, err := s.ListEvents(ctx, "hist-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, api.HistoryRunStarted, got[0].Type)
	require.Equal(t, "first", got[1].Step)
	require.Equal(t, api.KindStart, got[1].Kind)
	require.Equal(t, api.HistoryRunCompleted, got[2].Type)
	require.Equal(t, "ok", got[2].Detail)
	require.True(t, got[2].At.Equal(at.Add(time.Second)))

	empty, err := s.ListEvents(ctx, "hist-none")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func runIDs(runs []*api.RunRecord) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
