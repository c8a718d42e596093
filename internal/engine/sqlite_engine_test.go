package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stageflow/pkg/api"
)

func TestSQLiteEngine_PersistsRunsAndHistory(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(db)
	require.NoError(t, err)
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "persisted",
		Steps: []api.StepDefinition{
			fanout("a", "b"),
			{
				Name:    "join",
				Accepts: []api.Kind{"a", "b"},
				Join:    &api.JoinSpec{Required: 2},
				Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
					return api.Terminate(api.Result{Response: joinedInputs(ev)}), nil
				},
			},
		},
	})

	ctx := context.Background()
	rec, err := eng.Run(ctx, "persisted", "hello")
	require.NoError(t, err)

	got, err := eng.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got.Status)
	require.Equal(t, "hello", got.Input)
	require.NotNil(t, got.Output)
	require.Equal(t, "A,B", got.Output.Response)

	runs, err := eng.ListRuns(ctx, api.RunListOptions{Workflow: "persisted", Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	history, err := eng.History(ctx, rec.ID)
	require.NoError(t, err)
	types := make([]api.HistoryType, 0, len(history))
	for _, h := range history {
		types = append(types, h.Type)
	}
	require.Equal(t, api.HistoryRunStarted, types[0])
	require.Equal(t, api.HistoryRunCompleted, types[len(types)-1])
	require.Contains(t, types, api.HistoryStepWaiting)
	require.Contains(t, types, api.HistoryProgress)
}
