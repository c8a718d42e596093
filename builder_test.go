package stageflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upperStep(emit Kind) StepFunc {
	return func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		return Advance(NewEvent(emit, strings.ToUpper(ev.Input))), nil
	}
}

func scripted(name string, outputs ...string) Task {
	n := 0
	return NewTask(name, func(ctx context.Context, input string, emit func(Event)) (Result, error) {
		out := outputs[len(outputs)-1]
		if n < len(outputs) {
			out = outputs[n]
		}
		n++
		return Result{Response: out}, nil
	})
}

func TestFlowBuilder_LinearFlow(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	flow := New("Greeting").
		Step("upper", On(KindStart), upperStep("shouted"), "shouted").
		Step("finish", On("shouted"), FinishStep())

	require.Equal(t, "Greeting", flow.Name())
	require.Len(t, flow.Definition().Steps, 2)
	flow.MustRegister(eng)

	rec, err := Run(ctx, eng, flow.Name(), "gopher")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, "GOPHER", rec.Output.Response)

	got, err := GetRun(ctx, eng, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)

	runs, err := ListRuns(ctx, eng, RunListOptions{Workflow: "Greeting"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	hist, err := History(ctx, eng, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
}

func TestFlowBuilder_TaskStep(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	New("Echo").
		Step("echo", On(KindStart), TaskStep("echo", "echoed"), "echoed").
		Step("finish", On("echoed"), FinishStep()).
		MustRegister(eng)

	rec, err := Run(ctx, eng, "Echo", "ignored", WithTasks(scripted("echo", "hi there")))
	require.NoError(t, err)
	require.Equal(t, "hi there", rec.Output.Response)

	res, ok := rec.Output.Value.(Result)
	require.True(t, ok)
	require.Equal(t, "hi there", res.Response)
}

func TestFlowBuilder_Join(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	fan := func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		sc.Send(NewEvent("market", "m"))
		return Advance(NewEvent("tech", "t")), nil
	}
	combine := func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		parts := make([]string, 0, len(ev.Joined))
		for _, j := range ev.Joined {
			parts = append(parts, j.Input)
		}
		return Terminate(Result{Response: strings.Join(parts, "+")}), nil
	}

	New("Fan").
		Step("fan", On(KindStart), fan, "market", "tech").
		Join("combine", On("market", "tech"), 2, combine).
		MustRegister(eng)

	rec, err := Run(ctx, eng, "Fan", "go")
	require.NoError(t, err)
	require.Equal(t, "m+t", rec.Output.Response)
}

func TestFlowBuilder_Revise(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	New("Essay").
		Revise(ReviseLoop{
			Name:          "essay",
			Producer:      "writer",
			Critic:        "critic",
			MaxIterations: 2,
			Trigger:       On(KindStart),
			Done:          "drafted",
		}).
		Step("finish", On("drafted"), FinishStep()).
		MustRegister(eng)

	rec, err := Run(ctx, eng, "Essay", "write about gophers",
		WithTasks(
			scripted("writer", "draft-1", "draft-2", "draft-3"),
			scripted("critic", `{"satisfied": false, "rating": 5}`),
		))
	require.NoError(t, err)
	require.Equal(t, "draft-2", rec.Output.Response)

	out, ok := rec.Output.Value.(ReviseOutcome)
	require.True(t, ok)
	assert.Equal(t, 2, out.Iterations)
	assert.True(t, out.Capped)
	assert.Equal(t, "write about gophers", out.Brief)
}

func TestFlowBuilder_Decision(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	reply := func(text string) StepFunc {
		return func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
			return Terminate(Result{Response: text}), nil
		}
	}

	New("Router").
		Decision(DecisionSpec{
			Name:       "route",
			Classifier: "classifier",
			Routes:     map[string]Kind{"research": "research"},
			Default:    "chat",
		}).
		Step("research", On("research"), reply("researching")).
		Step("chat", On("chat"), reply("chatting")).
		MustRegister(eng)

	cases := map[string]string{
		"  Research\n": "researching",
		"hello":        "chatting",
	}
	for answer, want := range cases {
		t.Run(fmt.Sprintf("%q", answer), func(t *testing.T) {
			rec, err := Run(ctx, eng, "Router", "what is new?", WithTasks(scripted("classifier", answer)))
			require.NoError(t, err)
			require.Equal(t, want, rec.Output.Response)
		})
	}
}

func TestFlowBuilder_Timeout(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	idle := func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		return Waiting(), nil
	}
	New("Idle").
		Step("idle", On(KindStart), idle).
		Timeout(50 * time.Millisecond).
		MustRegister(eng)

	rec, err := Run(ctx, eng, "Idle", "")
	require.Error(t, err)
	require.Equal(t, StatusTimedOut, rec.Status)
}

func TestFlowBuilder_ProgrammerErrorsPanic(t *testing.T) {
	require.Panics(t, func() {
		New("x").Step("", On(KindStart), FinishStep())
	})
	require.Panics(t, func() {
		New("x").Step("nil", On(KindStart), nil)
	})
	require.Panics(t, func() {
		New("x").Decision(DecisionSpec{Name: "route"})
	})
	require.Panics(t, func() {
		New("x").Revise(ReviseLoop{Name: "loop"})
	})
}

func TestFlowBuilder_RegisterReportsWiringErrors(t *testing.T) {
	eng := NewInMemoryEngine()

	err := New("Broken").
		Step("a", On(KindStart), upperStep("nowhere"), "nowhere").
		Register(eng)
	require.Error(t, err)

	require.Panics(t, func() {
		New("Broken").
			Step("a", On(KindStart), upperStep("nowhere"), "nowhere").
			MustRegister(eng)
	})
}

func TestNewEngineWithConfig_JoinOverride(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetrics{}
	eng := NewEngineWithConfig(Config{Joins: map[string]int{"combine": 1}}, metrics)

	fan := func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		return Advance(NewEvent("a", "first")), nil
	}
	combine := func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		return Terminate(Result{Response: ev.Joined[0].Input}), nil
	}
	New("Override").
		Step("fan", On(KindStart), fan, "a", "b").
		Join("combine", On("a", "b"), 2, combine).
		MustRegister(eng)

	rec, err := Run(ctx, eng, "Override", "")
	require.NoError(t, err)
	require.Equal(t, "first", rec.Output.Response)
	require.Equal(t, int64(1), metrics.Snapshot().RunsCompleted)
}
