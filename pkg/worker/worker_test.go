package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/api"
)

type engineFactory func(t *testing.T) api.Engine

func inMemoryEngine(t *testing.T) api.Engine {
	t.Helper()
	return engine.NewInMemoryEngine()
}

func sqliteEngine(t *testing.T) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.NewSQLiteEngine(db)
	require.NoError(t, err)
	return eng
}

func upperWorkflow() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "shout",
		Steps: []api.StepDefinition{{
			Name:     "shout",
			Accepts:  []api.Kind{api.KindStart},
			Requires: []string{"upper"},
			Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
				res, err := api.DelegateTask(ctx, sc, "upper", ev.Input)
				if err != nil {
					return api.StepResult{}, err
				}
				if ev.Flag(api.KeyStreaming) {
					res.Response += " (streamed)"
				}
				return api.Terminate(res), nil
			},
		}},
	}
}

var upperTask = api.NewTask("upper", func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
	out := []rune(input)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - 'a' + 'A'
		}
	}
	return api.Result{Response: string(out)}, nil
})

func TestWorker_ProcessesStartRequests(t *testing.T) {
	factories := map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)
			require.NoError(t, eng.RegisterWorkflow(upperWorkflow()))

			queue := taskqueue.NewInMemoryQueue(10)
			w := NewWithConfig(eng, queue, Config{Tasks: api.Tasks{}.With(upperTask)})

			id, err := w.EnqueueStartWorkflow(ctx, "shout", "hello", map[string]bool{api.KeyStreaming: true})
			require.NoError(t, err)
			require.NotEmpty(t, id)

			before, err := eng.ListRuns(ctx, api.RunListOptions{Workflow: "shout"})
			require.NoError(t, err)
			require.Empty(t, before, "enqueue must not start a run")

			processed, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, processed)

			runs, err := eng.ListRuns(ctx, api.RunListOptions{Workflow: "shout"})
			require.NoError(t, err)
			require.Len(t, runs, 1)
			require.Equal(t, api.StatusCompleted, runs[0].Status)
			require.Equal(t, "HELLO (streamed)", runs[0].Output.Response)
		})
	}
}

func TestWorker_ReschedulesFailedRuns(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.NewSQLiteEngine(db)
	require.NoError(t, err)
	queue, err := taskqueue.NewSQLiteQueue(db)
	require.NoError(t, err)

	var calls atomic.Int32
	flaky := api.NewTask("flaky", func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		if calls.Add(1) < 2 {
			return api.Result{}, errors.New("temporary failure")
		}
		return api.Result{Response: "ok"}, nil
	})
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "retry",
		Steps: []api.StepDefinition{{
			Name:     "call",
			Accepts:  []api.Kind{api.KindStart},
			Requires: []string{"flaky"},
			Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
				res, err := api.DelegateTask(ctx, sc, "flaky", ev.Input)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.Terminate(res), nil
			},
		}},
	}))

	backoff := 30 * time.Millisecond
	w := NewWithConfig(eng, queue, Config{
		MaxAttempts: 3,
		Backoff:     backoff,
		Tasks:       api.Tasks{}.With(flaky),
	})

	ctx := context.Background()
	_, err = w.EnqueueStartWorkflow(ctx, "retry", "x", nil)
	require.NoError(t, err)

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err, "a rescheduled failure is not reported")
	require.True(t, processed)
	require.Equal(t, 1, queue.Len())

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.GreaterOrEqual(t, time.Since(start), backoff)
	require.Equal(t, int32(2), calls.Load())

	failed, err := eng.ListRuns(ctx, api.RunListOptions{Status: api.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	completed, err := eng.ListRuns(ctx, api.RunListOptions{Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

func TestWorker_ReportsFinalFailure(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	require.NoError(t, eng.RegisterWorkflow(upperWorkflow()))

	queue := taskqueue.NewInMemoryQueue(10)
	// No tasks registered: every run is a configuration error.
	w := NewWithConfig(eng, queue, Config{MaxAttempts: 5})

	_, err := w.EnqueueStartWorkflow(context.Background(), "shout", "x", nil)
	require.NoError(t, err)

	processed, err := w.ProcessOne(context.Background())
	require.True(t, processed)
	require.ErrorIs(t, err, api.ErrConfiguration)
	require.Zero(t, queue.Len(), "configuration errors are not rescheduled")
}

func TestWorker_DelayedRequest(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	require.NoError(t, eng.RegisterWorkflow(upperWorkflow()))
	w := NewWithConfig(eng, taskqueue.NewInMemoryQueue(10), Config{Tasks: api.Tasks{}.With(upperTask)})

	delay := 40 * time.Millisecond
	_, err := w.EnqueueStartWorkflowAt(context.Background(), "shout", "later", time.Now().Add(delay))
	require.NoError(t, err)

	start := time.Now()
	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.GreaterOrEqual(t, time.Since(start), delay/2)
}

func TestWorker_CancelledWhileWaitingKeepsRequest(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	require.NoError(t, eng.RegisterWorkflow(upperWorkflow()))
	queue := taskqueue.NewInMemoryQueue(10)
	w := New(eng, queue)

	_, err := w.EnqueueStartWorkflowAt(context.Background(), "shout", "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	require.False(t, processed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, queue.Len())
}

func TestWorker_CancelledMidRunIsRescheduled(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	require.NoError(t, eng.RegisterWorkflow(upperWorkflow()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// The caller goes away while the agent call is in flight.
	interrupted := api.NewTask("upper", func(tctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		cancel()
		<-release
		return api.Result{}, errors.New("abandoned")
	})

	queue := taskqueue.NewInMemoryQueue(10)
	w := NewWithConfig(eng, queue, Config{MaxAttempts: 2, Tasks: api.Tasks{}.With(interrupted)})
	id, err := w.EnqueueStartWorkflow(context.Background(), "shout", "x", nil)
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, 1, queue.Len())

	next, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, next.ID)
	require.Equal(t, 1, next.Attempts)
}

func TestWorker_EnqueueRequiresWorkflow(t *testing.T) {
	w := New(engine.NewInMemoryEngine(), taskqueue.NewInMemoryQueue(1))
	_, err := w.Enqueue(context.Background(), taskqueue.Request{})
	require.ErrorIs(t, err, api.ErrConfiguration)
}
