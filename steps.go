package stageflow

import (
	"context"

	"github.com/petrijr/stageflow/pkg/api"
)

// Delegate runs unit as a sub-stage of the calling step, forwarding its
// progress under label and never its stop event.
func Delegate(ctx context.Context, sc *StepContext, unit Task, input, label string) (Result, error) {
	return api.Delegate(ctx, sc, unit, input, label)
}

// DelegateTask delegates to the task registered under name.
func DelegateTask(ctx context.Context, sc *StepContext, name, input string) (Result, error) {
	return api.DelegateTask(ctx, sc, name, input)
}

// DelegateAll runs several delegations concurrently and returns their
// results in order.
func DelegateAll(ctx context.Context, sc *StepContext, ds ...Delegation) ([]Result, error) {
	return api.DelegateAll(ctx, sc, ds...)
}

// TaskStep returns a step that delegates the event input to the named task
// and advances with an emit event carrying the task response.
func TaskStep(task string, emit Kind) StepFunc {
	return func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		res, err := api.DelegateTask(ctx, sc, task, ev.Input)
		if err != nil {
			return StepResult{}, err
		}
		return api.Advance(api.NewEvent(emit, res.Response).WithData(res)), nil
	}
}

// FinishStep returns a step that ends the run with the event input as the
// response and the event data as the value.
func FinishStep() StepFunc {
	return func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
		return api.Terminate(api.Result{Response: ev.Input, Value: ev.Data}), nil
	}
}

// ParseVerdict reads a critic verdict from a task result.
func ParseVerdict(res Result) Verdict {
	return api.ParseVerdict(res)
}
