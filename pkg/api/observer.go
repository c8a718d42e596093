package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay the run. A panicking observer is logged
// and ignored by the engine.
type Observer interface {
	// OnRunStart is called once when a run starts, before the start event
	// is dispatched.
	OnRunStart(ctx context.Context, run *RunRecord)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *RunRecord)

	// OnRunFailed is called when a run fails or times out. Timeouts have
	// run.Status == StatusTimedOut.
	OnRunFailed(ctx context.Context, run *RunRecord, err error)

	// OnStepStart is called before invoking a step function with ev.
	OnStepStart(ctx context.Context, run *RunRecord, step string, ev Event)

	// OnStepCompleted is called after a step function returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *RunRecord, step string, ev Event, outcome Outcome, err error, d time.Duration)

	// OnProgress is called for every progress event written to the run stream.
	OnProgress(ctx context.Context, run *RunRecord, ev Event)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *RunRecord)                         {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *RunRecord)                     {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *RunRecord, err error)             {}
func (NoopObserver) OnStepStart(ctx context.Context, run *RunRecord, step string, ev Event) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step string, ev Event, outcome Outcome, err error, d time.Duration) {
}
func (NoopObserver) OnProgress(ctx context.Context, run *RunRecord, ev Event) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *RunRecord) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *RunRecord) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *RunRecord, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *RunRecord, step string, ev Event) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, step, ev)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step string, ev Event, outcome Outcome, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, ev, outcome, err, d)
	}
}

func (c *CompositeObserver) OnProgress(ctx context.Context, run *RunRecord, ev Event) {
	for _, o := range c.observers {
		o.OnProgress(ctx, run, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *RunRecord) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *RunRecord) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *RunRecord, err error) {
	msg := "run_failed"
	if run.Status == StatusTimedOut {
		msg = "run_timed_out"
	}
	o.Logger.ErrorContext(ctx, msg,
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *RunRecord, step string, ev Event) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.String("kind", string(ev.Kind)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step string, ev Event, outcome Outcome, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.String("kind", string(ev.Kind)),
		slog.String("outcome", outcome.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnProgress(ctx context.Context, run *RunRecord, ev Event) {
	if ev.Progress == nil {
		return
	}
	o.Logger.DebugContext(ctx, "progress",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("stage", ev.Progress.Workflow),
		slog.String("source", ev.Progress.Source),
		slog.String("message", ev.Progress.Message),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsTimedOut      atomic.Int64
	stepsCompleted    atomic.Int64
	stepsWaiting      atomic.Int64
	progressEvents    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsTimedOut  int64
	PendingRuns   int64

	StepsCompleted  int64
	StepsWaiting    int64
	ProgressEvents  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *RunRecord) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *RunRecord) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *RunRecord, err error) {
	if run.Status == StatusTimedOut {
		m.runsTimedOut.Add(1)
		return
	}
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *RunRecord, step string, ev Event, outcome Outcome, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err != nil {
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
	if outcome == OutcomeWaiting {
		m.stepsWaiting.Add(1)
	}
}

func (m *BasicMetrics) OnProgress(ctx context.Context, run *RunRecord, ev Event) {
	m.progressEvents.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	timedOut := m.runsTimedOut.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsTimedOut:    timedOut,
		PendingRuns:     started - completed - failed - timedOut,
		StepsCompleted:  steps,
		StepsWaiting:    m.stepsWaiting.Load(),
		ProgressEvents:  m.progressEvents.Load(),
		AvgStepDuration: avg,
	}
}
