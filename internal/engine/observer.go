package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// safeObserver shields runs from observer panics.
type safeObserver struct {
	inner  api.Observer
	logger *slog.Logger
}

func (o safeObserver) guard(hook string) {
	if r := recover(); r != nil {
		o.logger.Error("observer panicked; ignored",
			slog.String("hook", hook),
			slog.Any("panic", r),
		)
	}
}

func (o safeObserver) OnRunStart(ctx context.Context, run *api.RunRecord) {
	defer o.guard("OnRunStart")
	o.inner.OnRunStart(ctx, run)
}

func (o safeObserver) OnRunCompleted(ctx context.Context, run *api.RunRecord) {
	defer o.guard("OnRunCompleted")
	o.inner.OnRunCompleted(ctx, run)
}

func (o safeObserver) OnRunFailed(ctx context.Context, run *api.RunRecord, err error) {
	defer o.guard("OnRunFailed")
	o.inner.OnRunFailed(ctx, run, err)
}

func (o safeObserver) OnStepStart(ctx context.Context, run *api.RunRecord, step string, ev api.Event) {
	defer o.guard("OnStepStart")
	o.inner.OnStepStart(ctx, run, step, ev)
}

func (o safeObserver) OnStepCompleted(ctx context.Context, run *api.RunRecord, step string, ev api.Event, outcome api.Outcome, err error, d time.Duration) {
	defer o.guard("OnStepCompleted")
	o.inner.OnStepCompleted(ctx, run, step, ev, outcome, err, d)
}

func (o safeObserver) OnProgress(ctx context.Context, run *api.RunRecord, ev api.Event) {
	defer o.guard("OnProgress")
	o.inner.OnProgress(ctx, run, ev)
}
