package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// run is the state of one execution. The scheduler loop owns every field
// except the outbox; step bodies hold the execution slot one at a time and
// only give it up through invocation.Suspend.
type run struct {
	e      *engineImpl
	wf     *compiledWorkflow
	rec    *api.RunRecord
	info   *api.RunRecord
	stream *api.Stream
	shared *api.SharedContext
	tasks  api.Tasks
	logger *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	stepCtx     context.Context
	cancelSteps context.CancelFunc
	timeout     time.Duration

	queue   []api.Event
	ready   []*invocation
	resumed []*invocation
	running *invocation
	active  int

	yields  chan *invocation
	resumes chan *invocation
	results chan stepDone
	done    chan struct{}

	outMu  sync.Mutex
	outbox []api.Event
	nudge  chan struct{}

	waiting   map[string]struct{}
	quiescent bool
}

var _ api.Execution = (*run)(nil)

func newRun(parent context.Context, e *engineImpl, wf *compiledWorkflow, rec *api.RunRecord, o api.RunOptions, timeout time.Duration) *run {
	r := &run{
		e:       e,
		wf:      wf,
		rec:     rec,
		stream:  api.NewStream(),
		tasks:   o.Tasks,
		timeout: timeout,
		yields:  make(chan *invocation),
		resumes: make(chan *invocation),
		results: make(chan stepDone),
		done:    make(chan struct{}),
		nudge:   make(chan struct{}, 1),
		waiting: make(map[string]struct{}),
		info: &api.RunRecord{
			ID:        rec.ID,
			Workflow:  rec.Workflow,
			Status:    api.StatusRunning,
			Input:     rec.Input,
			StartedAt: rec.StartedAt,
		},
		logger: e.logger.With(
			slog.String("workflow", rec.Workflow),
			slog.String("run_id", rec.ID),
		),
	}

	r.ctx, r.cancel = context.WithTimeoutCause(parent, timeout, &api.TimeoutError{
		Workflow: rec.Workflow,
		RunID:    rec.ID,
		After:    timeout,
	})

	// Step and task calls outlive the run unless CancelInFlight is set.
	r.stepCtx, r.cancelSteps = context.WithCancel(context.WithoutCancel(parent))

	r.shared = api.NewSharedContext(api.SharedContextConfig{
		RunID:         rec.ID,
		Workflow:      rec.Workflow,
		History:       o.History,
		MaxIterations: e.cfg.MaxIterations,
		Sink:          r.sink,
		Send:          r.send,
		Logger:        r.logger,
	})
	return r
}

// ID implements api.Execution.
func (r *run) ID() string { return r.rec.ID }

// Events implements api.Handle.
func (r *run) Events() <-chan api.Event { return r.stream.Events() }

// Wait implements api.Handle.
func (r *run) Wait(ctx context.Context) (api.Result, error) { return r.stream.Wait(ctx) }

func (r *run) snapshot() *api.RunRecord {
	cp := *r.rec
	if r.rec.Output != nil {
		out := *r.rec.Output
		cp.Output = &out
	}
	return &cp
}

// sink writes to the run stream. It may be called from any goroutine.
func (r *run) sink(ev api.Event) {
	if ev.Progress != nil && ev.Progress.Workflow == "" {
		ev = ev.Relabel(r.info.Workflow)
	}
	if !r.stream.Emit(ev) {
		return
	}
	if ev.Kind != api.KindProgress || ev.Progress == nil {
		return
	}
	r.e.observer.OnProgress(r.ctx, r.info, ev)
	r.e.appendHistory(r.ctx, api.HistoryEntry{
		RunID:    r.info.ID,
		Type:     api.HistoryProgress,
		Workflow: ev.Progress.Workflow,
		Step:     ev.Progress.Source,
		Kind:     ev.Kind,
		Detail:   ev.Progress.Message,
	})
}

// send queues an extra event for dispatch. It may be called from any goroutine.
func (r *run) send(ev api.Event) {
	r.outMu.Lock()
	r.outbox = append(r.outbox, ev)
	r.outMu.Unlock()

	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *run) loop(start api.Event) {
	defer r.cancel()

	if err := r.enqueue(start); err != nil {
		r.fail(err)
		return
	}

	for {
		if err := r.flushOutbox(); err != nil {
			r.fail(err)
			return
		}
		if r.running == nil {
			if err := r.grant(); err != nil {
				r.fail(err)
				return
			}
		}
		if r.running == nil && r.active == 0 && !r.quiescent {
			r.quiescent = true
			r.logger.Warn("run_quiescent",
				slog.Any("waiting_steps", r.waitingSteps()),
				slog.Duration("timeout", r.timeout),
			)
		}

		select {
		case inv := <-r.yields:
			if inv == r.running {
				r.running = nil
			}

		case inv := <-r.resumes:
			r.resumed = append(r.resumed, inv)

		case d := <-r.results:
			if d.inv == r.running {
				r.running = nil
			}
			r.active--
			if finished := r.handle(d); finished {
				return
			}

		case <-r.nudge:

		case <-r.ctx.Done():
			cause := context.Cause(r.ctx)
			if api.IsTimeout(cause) {
				r.timeOut(cause)
			} else {
				r.fail(cause)
			}
			return
		}
	}
}

// enqueue appends ev to the dispatch queue. Progress events go to the
// stream; stop events end nothing here and are rejected by callers.
func (r *run) enqueue(ev api.Event) error {
	if ev.Kind == api.KindProgress {
		r.sink(ev)
		return nil
	}
	if len(r.wf.consumers(ev.Kind)) == 0 {
		return api.NewConfigurationError(r.rec.Workflow, "", "event kind %q has no consumer", ev.Kind)
	}
	r.queue = append(r.queue, ev)
	r.quiescent = false
	return nil
}

func (r *run) flushOutbox() error {
	r.outMu.Lock()
	pending := r.outbox
	r.outbox = nil
	r.outMu.Unlock()

	for _, ev := range pending {
		if err := r.enqueue(ev); err != nil {
			return err
		}
	}
	return nil
}

// grant hands the execution slot to the next invocation: resumed ones
// first, in completion order, then new ones in event arrival order.
func (r *run) grant() error {
	if len(r.resumed) > 0 {
		inv := r.resumed[0]
		r.resumed = r.resumed[1:]
		r.running = inv
		inv.wake <- struct{}{}
		return nil
	}

	for {
		if len(r.ready) > 0 {
			inv := r.ready[0]
			r.ready = r.ready[1:]
			if !r.admit(inv) {
				continue
			}
			r.running = inv
			r.active++
			r.quiescent = false
			r.e.observer.OnStepStart(r.ctx, r.info, inv.step.def.Name, inv.ev)
			r.e.appendHistory(r.ctx, api.HistoryEntry{
				RunID:    r.rec.ID,
				Type:     api.HistoryStepStarted,
				Workflow: r.rec.Workflow,
				Step:     inv.step.def.Name,
				Kind:     inv.ev.Kind,
			})
			go inv.start()
			return nil
		}
		if len(r.queue) == 0 {
			return nil
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		for _, cs := range r.wf.consumers(ev.Kind) {
			r.ready = append(r.ready, r.newInvocation(cs, ev))
		}
	}
}

// admit applies a declarative join. It returns false when the step must
// not run for this event.
func (r *run) admit(inv *invocation) bool {
	join := inv.step.join
	if join == nil {
		return true
	}
	name := inv.step.def.Name
	b := r.shared.Barrier(name, *join)

	if b.Released() {
		r.shared.Progressf(name, "join already released; ignoring %s", inv.ev.Kind)
		r.recordWaiting(inv, "join already released")
		return false
	}
	combined, ok := b.Collect(inv.ev)
	if !ok {
		r.shared.Progressf(name, "collected %d/%d", b.Count(), b.Required())
		r.recordWaiting(inv, fmt.Sprintf("collected %d/%d", b.Count(), b.Required()))
		return false
	}
	inv.ev = combined
	return true
}

func (r *run) recordWaiting(inv *invocation, detail string) {
	name := inv.step.def.Name
	r.waiting[name] = struct{}{}
	r.e.observer.OnStepCompleted(r.ctx, r.info, name, inv.ev, api.OutcomeWaiting, nil, 0)
	r.e.appendHistory(r.ctx, api.HistoryEntry{
		RunID:    r.rec.ID,
		Type:     api.HistoryStepWaiting,
		Workflow: r.rec.Workflow,
		Step:     name,
		Kind:     inv.ev.Kind,
		Detail:   detail,
	})
}

// handle applies a finished invocation's outcome. It reports whether the
// run ended.
func (r *run) handle(d stepDone) bool {
	name := d.inv.step.def.Name
	r.e.observer.OnStepCompleted(r.ctx, r.info, name, d.inv.ev, d.res.Outcome, d.err, d.duration)

	if d.err != nil {
		r.e.appendHistory(r.ctx, api.HistoryEntry{
			RunID:    r.rec.ID,
			Type:     api.HistoryStepFailed,
			Workflow: r.rec.Workflow,
			Step:     name,
			Kind:     d.inv.ev.Kind,
			Detail:   d.err.Error(),
		})
		r.fail(stepError(r.rec.Workflow, name, d.err))
		return true
	}

	r.e.appendHistory(r.ctx, api.HistoryEntry{
		RunID:    r.rec.ID,
		Type:     api.HistoryStepCompleted,
		Workflow: r.rec.Workflow,
		Step:     name,
		Kind:     d.inv.ev.Kind,
		Detail:   d.res.Outcome.String(),
	})

	// Events sent during the step precede the one it returns.
	if err := r.flushOutbox(); err != nil {
		r.fail(err)
		return true
	}

	switch d.res.Outcome {
	case api.OutcomeAdvance:
		ev := d.res.Event
		if ev.Kind == api.KindStop {
			res := api.Result{Response: ev.Input}
			if ev.Result != nil {
				res = *ev.Result
			}
			r.complete(res)
			return true
		}
		if ev.Kind == "" {
			r.fail(api.NewConfigurationError(r.rec.Workflow, name, "advanced with an event without kind"))
			return true
		}
		if err := r.enqueue(ev); err != nil {
			r.fail(api.NewConfigurationError(r.rec.Workflow, name, "event kind %q has no consumer", ev.Kind))
			return true
		}
	case api.OutcomeWaiting:
		r.waiting[name] = struct{}{}
	case api.OutcomeTerminate:
		r.complete(d.res.Result)
		return true
	default:
		r.fail(api.NewConfigurationError(r.rec.Workflow, name, "step returned no outcome"))
		return true
	}
	return false
}

func stepError(workflow, step string, err error) error {
	var tf *api.TaskFailure
	if errors.As(err, &tf) || errors.Is(err, api.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("workflow %q step %q: %w", workflow, step, err)
}

func (r *run) waitingSteps() []string {
	out := make([]string, 0, len(r.waiting))
	for name := range r.waiting {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *run) complete(res api.Result) {
	r.rec.Status = api.StatusCompleted
	r.rec.Output = &res
	r.finish(api.HistoryRunCompleted, "")
	r.e.observer.OnRunCompleted(r.ctx, r.snapshot())
	r.stream.Finish(res, nil)
}

func (r *run) fail(err error) {
	r.rec.Status = api.StatusFailed
	r.rec.Err = err
	r.finish(api.HistoryRunFailed, err.Error())
	r.e.observer.OnRunFailed(r.ctx, r.snapshot(), err)
	r.stream.Finish(api.Result{}, err)
}

func (r *run) timeOut(err error) {
	r.rec.Status = api.StatusTimedOut
	r.rec.Err = err
	r.finish(api.HistoryRunTimedOut, err.Error())
	r.e.observer.OnRunFailed(r.ctx, r.snapshot(), err)
	r.stream.Finish(api.Result{}, err)
}

// finish persists the terminal state and releases every waiting invocation.
// The stream is finished by the caller, after observers ran.
func (r *run) finish(typ api.HistoryType, detail string) {
	r.rec.FinishedAt = time.Now()
	close(r.done)
	if r.e.cfg.CancelInFlight {
		r.cancelSteps()
	}

	ctx := context.WithoutCancel(r.ctx)
	if uerr := r.e.runs.UpdateRun(ctx, r.rec); uerr != nil {
		r.logger.Error("run update failed", slog.Any("error", uerr))
	}
	r.e.appendHistory(ctx, api.HistoryEntry{
		RunID:    r.rec.ID,
		Type:     typ,
		Workflow: r.rec.Workflow,
		Detail:   detail,
	})
}
