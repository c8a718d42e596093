package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
)

// drain reads an execution to the end with a safety timeout.
func drain(t *testing.T, exec api.Execution) ([]api.Event, api.Result, error) {
	t.Helper()

	var events []api.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-exec.Events():
			if !ok {
				res, err := exec.Wait(context.Background())
				return events, res, err
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("execution did not finish")
			return nil, api.Result{}, nil
		}
	}
}

func progressMessages(events []api.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == api.KindProgress && ev.Progress != nil {
			out = append(out, ev.Progress.Message)
		}
	}
	return out
}

func countKind(events []api.Event, k api.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func terminateWith(name string, accepts ...api.Kind) api.StepDefinition {
	return api.StepDefinition{
		Name:    name,
		Accepts: accepts,
		Fn: func(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
			return api.Terminate(api.Result{Response: name + ":" + ev.Input, Value: ev.Data}), nil
		},
	}
}

func mustRegister(t *testing.T, eng api.Engine, def api.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, eng.RegisterWorkflow(def))
}

func echoTask(name string) api.Task {
	return api.NewTask(name, func(ctx context.Context, input string, emit func(api.Event)) (api.Result, error) {
		return api.Result{Response: input}, nil
	})
}
