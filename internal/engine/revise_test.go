package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
)

type reviseFixture struct {
	produced  atomic.Int32
	critiqued atomic.Int32
}

func (f *reviseFixture) tasks(satisfiedAt int32) []api.Task {
	writer := api.NewTask("writer", func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		n := f.produced.Add(1)
		return api.Result{Response: fmt.Sprintf("draft-%d", n)}, nil
	})
	critic := api.NewTask("critic", func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		n := f.critiqued.Add(1)
		return api.Result{Value: api.Verdict{
			Satisfied: n == satisfiedAt,
			Rating:    float64(n + 5),
			Feedback:  "more detail",
		}}, nil
	})
	return []api.Task{writer, critic}
}

func registerRevise(t *testing.T, eng api.Engine, maxIterations int) {
	t.Helper()
	loop := api.ReviseLoop{
		Name:          "script",
		Producer:      "writer",
		Critic:        "critic",
		MaxIterations: maxIterations,
		Trigger:       []api.Kind{api.KindStart},
		Done:          "script.done",
	}
	steps, err := loop.Steps()
	require.NoError(t, err)

	steps = append(steps, api.StepDefinition{
		Name:    "publish",
		Accepts: []api.Kind{"script.done"},
		Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
			out, ok := ev.Data.(api.ReviseOutcome)
			if !ok {
				return api.StepResult{}, fmt.Errorf("unexpected payload %T", ev.Data)
			}
			return api.Terminate(api.Result{Response: out.Artifact.Response, Value: out}), nil
		},
	})
	mustRegister(t, eng, api.WorkflowDefinition{Name: "revise", Steps: steps})
}

func TestReviseLoop_StopsAtMaxIterations(t *testing.T) {
	eng := NewInMemoryEngine()
	registerRevise(t, eng, 3)

	var f reviseFixture
	exec, err := eng.Start(context.Background(), "revise", api.StartEvent("a podcast about bees", nil),
		api.WithTasks(f.tasks(0)...))
	require.NoError(t, err)

	events, res, err := drain(t, exec)
	require.NoError(t, err)
	require.Equal(t, int32(3), f.produced.Load())
	require.Equal(t, int32(3), f.critiqued.Load())

	out, ok := res.Value.(api.ReviseOutcome)
	require.True(t, ok)
	require.Equal(t, 3, out.Iterations)
	require.True(t, out.Capped)
	require.Equal(t, "draft-3", out.Artifact.Response)
	require.Equal(t, "a podcast about bees", out.Brief)

	require.Equal(t, []string{
		"Critique #1: Rating 6/10",
		"Critique #2: Rating 7/10",
		"Critique #3: Rating 8/10",
	}, progressMessages(events))
}

func TestReviseLoop_ExitsEarlyWhenSatisfied(t *testing.T) {
	eng := NewInMemoryEngine()
	registerRevise(t, eng, 5)

	var f reviseFixture
	rec, err := eng.Run(context.Background(), "revise", "brief", api.WithTasks(f.tasks(2)...))
	require.NoError(t, err)
	require.Equal(t, int32(2), f.produced.Load())
	require.Equal(t, int32(2), f.critiqued.Load())

	out, ok := rec.Output.Value.(api.ReviseOutcome)
	require.True(t, ok)
	require.Equal(t, 2, out.Iterations)
	require.False(t, out.Capped)
	require.True(t, out.Verdict.Satisfied)
	require.Equal(t, "draft-2", rec.Output.Response)
}

func TestReviseLoop_RunDefaultBound(t *testing.T) {
	eng := NewEngineWithConfig(Config{Engine: api.Config{MaxIterations: 2}})
	registerRevise(t, eng, 0)

	var f reviseFixture
	_, err := eng.Run(context.Background(), "revise", "brief", api.WithTasks(f.tasks(0)...))
	require.NoError(t, err)
	require.Equal(t, int32(2), f.critiqued.Load())
}

func TestReviseLoop_RetriggerDoesNotRestart(t *testing.T) {
	eng := NewInMemoryEngine()
	loop := api.ReviseLoop{
		Name:     "script",
		Producer: "writer",
		Critic:   "critic",
		Trigger:  []api.Kind{api.KindStart, "again"},
		Done:     "script.done",
	}
	steps, err := loop.Steps()
	require.NoError(t, err)
	steps = append(steps,
		api.StepDefinition{
			Name:    "echo",
			Accepts: []api.Kind{api.KindStart},
			Emits:   []api.Kind{"again"},
			Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
				return api.Advance(api.NewEvent("again", "a different brief")), nil
			},
		},
		terminateWith("publish", "script.done"),
	)
	mustRegister(t, eng, api.WorkflowDefinition{Name: "retrigger", Steps: steps})

	var f reviseFixture
	exec, err := eng.Start(context.Background(), "retrigger", api.StartEvent("a podcast about bees", nil),
		api.WithTasks(f.tasks(2)...))
	require.NoError(t, err)

	events, res, err := drain(t, exec)
	require.NoError(t, err)
	require.Equal(t, int32(2), f.produced.Load())
	require.Equal(t, "publish:draft-2", res.Response)
	require.Contains(t, progressMessages(events), "revise loop already started; ignoring again")

	out, ok := res.Value.(api.ReviseOutcome)
	require.True(t, ok)
	require.Equal(t, "a podcast about bees", out.Brief)
	require.Equal(t, 2, out.Iterations)
}
