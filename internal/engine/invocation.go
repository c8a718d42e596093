package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// invocation is one execution of a step for one event. It implements
// api.Suspender for the step's StepContext.
type invocation struct {
	r     *run
	step  *compiledStep
	ev    api.Event
	wake  chan struct{}
	depth int
}

type stepDone struct {
	inv      *invocation
	res      api.StepResult
	err      error
	duration time.Duration
}

func (r *run) newInvocation(cs *compiledStep, ev api.Event) *invocation {
	return &invocation{
		r:    r,
		step: cs,
		ev:   ev,
		wake: make(chan struct{}, 1),
	}
}

// start runs the step body; the scheduler has already granted the slot.
func (inv *invocation) start() {
	begin := time.Now()
	res, err := inv.execute()
	d := stepDone{inv: inv, res: res, err: err, duration: time.Since(begin)}

	select {
	case inv.r.results <- d:
	case <-inv.r.done:
	}
}

func (inv *invocation) execute() (api.StepResult, error) {
	r := inv.r
	def := inv.step.def
	sc := api.NewStepContext(r.shared, def.Name, r.tasks, inv)

	var delays []time.Duration
	if def.Retry != nil {
		delays = def.Retry.Delays()
	}

	for attempt := 0; ; attempt++ {
		res, err := inv.call(sc)
		if err == nil || attempt >= len(delays) || !def.Retry.Retries(err) {
			return res, err
		}

		delay := delays[attempt]
		r.logger.Warn("step_retry",
			slog.String("step", def.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		sc.Progressf(def.Name, "retrying %s (attempt %d/%d)", failedUnit(def.Name, err), attempt+2, len(delays)+1)
		if delay <= 0 {
			continue
		}
		werr := sc.Suspend(r.stepCtx, func(ctx context.Context) error {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-r.done:
				return api.ErrRunFinished
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if werr != nil {
			return api.StepResult{}, werr
		}
	}
}

func (inv *invocation) call(sc *api.StepContext) (res api.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step %q panicked: %v", inv.step.def.Name, p)
		}
	}()
	return inv.step.def.Fn(inv.r.stepCtx, sc, inv.ev)
}

// failedUnit names what is being retried: the failed task when there is
// one, otherwise the step.
func failedUnit(step string, err error) string {
	if tf, ok := api.AsTaskFailure(err); ok && tf.Task != "" {
		return "task " + tf.Task
	}
	return "step " + step
}

// Suspend implements api.Suspender.
func (inv *invocation) Suspend() {
	inv.depth++
	if inv.depth > 1 {
		return
	}
	select {
	case inv.r.yields <- inv:
	case <-inv.r.done:
	}
}

// Resume implements api.Suspender.
func (inv *invocation) Resume() error {
	inv.depth--
	if inv.depth > 0 {
		return nil
	}
	select {
	case inv.r.resumes <- inv:
	case <-inv.r.done:
		return api.ErrRunFinished
	}
	select {
	case <-inv.wake:
		return nil
	case <-inv.r.done:
		return api.ErrRunFinished
	}
}
