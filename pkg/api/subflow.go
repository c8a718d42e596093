package api

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Delegate runs unit as a sub-stage of the calling step. Every event the
// unit streams, except its own stop event, is forwarded to the parent run
// with progress relabelled to label (the unit name when label is empty).
// The step is suspended while the unit runs.
//
// Errors are returned as *TaskFailure naming the unit and the calling step.
func Delegate(ctx context.Context, sc *StepContext, unit Task, input, label string) (Result, error) {
	if label == "" {
		label = unit.Name()
	}
	var res Result
	err := sc.Suspend(ctx, func(ctx context.Context) error {
		var err error
		res, err = forward(ctx, sc, unit.Run(ctx, input), label)
		return err
	})
	if err != nil {
		return Result{}, wrapTaskErr(sc, unit.Name(), err)
	}
	return res, nil
}

// DelegateTask resolves name in the run's task registry and delegates to it
// under its own name.
func DelegateTask(ctx context.Context, sc *StepContext, name, input string) (Result, error) {
	unit, err := sc.Task(name)
	if err != nil {
		return Result{}, err
	}
	return Delegate(ctx, sc, unit, input, name)
}

// Await suspends the step until h finishes, forwarding its non-stop events
// unchanged.
func Await(ctx context.Context, sc *StepContext, name string, h Handle) (Result, error) {
	var res Result
	err := sc.Suspend(ctx, func(ctx context.Context) error {
		var err error
		res, err = forward(ctx, sc, h, "")
		return err
	})
	if err != nil {
		return Result{}, wrapTaskErr(sc, name, err)
	}
	return res, nil
}

// Delegation is one entry of DelegateAll.
type Delegation struct {
	Task  Task
	Input string
	Label string
}

// DelegateAll runs several delegations concurrently inside one suspension
// and returns their results in order. The first failure cancels the others.
func DelegateAll(ctx context.Context, sc *StepContext, ds ...Delegation) ([]Result, error) {
	results := make([]Result, len(ds))

	err := sc.Suspend(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for i, d := range ds {
			label := d.Label
			if label == "" {
				label = d.Task.Name()
			}
			g.Go(func() error {
				res, err := forward(gctx, sc, d.Task.Run(gctx, d.Input), label)
				if err != nil {
					return &TaskFailure{Task: d.Task.Name(), Step: sc.Step(), Err: err}
				}
				results[i] = res
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		if _, ok := AsTaskFailure(err); ok || errors.Is(err, ErrRunFinished) {
			return nil, err
		}
		return nil, &TaskFailure{Step: sc.Step(), Err: err}
	}
	return results, nil
}

func forward(ctx context.Context, sc *StepContext, h Handle, label string) (Result, error) {
	for ev := range h.Events() {
		if ev.Kind == KindStop {
			continue
		}
		sc.Write(ev.Relabel(label))
	}
	return h.Wait(ctx)
}

func wrapTaskErr(sc *StepContext, task string, err error) error {
	if errors.Is(err, ErrRunFinished) {
		return err
	}
	return &TaskFailure{Task: task, Step: sc.Step(), Err: err}
}
