package api

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Finished reports whether s is a terminal status.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Outcome is what a step invocation asks the engine to do next.
type Outcome int

const (
	outcomeInvalid Outcome = iota

	// OutcomeAdvance dispatches StepResult.Event.
	OutcomeAdvance

	// OutcomeWaiting means the step consumed its event without producing one,
	// typically because a join is not released yet.
	OutcomeWaiting

	// OutcomeTerminate ends the run with StepResult.Result.
	OutcomeTerminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvance:
		return "advance"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeTerminate:
		return "terminate"
	default:
		return "invalid"
	}
}

// StepResult is the value a step returns. Use Advance, Waiting or Terminate
// to build one; the zero value is rejected by the engine.
type StepResult struct {
	Outcome Outcome
	Event   Event
	Result  Result
}

// Advance continues the run with ev.
func Advance(ev Event) StepResult {
	return StepResult{Outcome: OutcomeAdvance, Event: ev}
}

// Waiting consumes the triggering event without emitting a new one.
func Waiting() StepResult {
	return StepResult{Outcome: OutcomeWaiting}
}

// Terminate ends the run successfully with res.
func Terminate(res Result) StepResult {
	return StepResult{Outcome: OutcomeTerminate, Result: res}
}

// StepFunc is the body of a step. It runs with exclusive access to the run
// and may suspend only through sc.Suspend (directly or via Delegate).
type StepFunc func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error)

// StepDefinition describes a named step and the event kinds it consumes.
type StepDefinition struct {
	Name string

	// Accepts lists the kinds that trigger this step.
	Accepts []Kind

	// Emits lists the kinds this step may advance with. Used for
	// validation only; an undeclared emission is still dispatched.
	Emits []Kind

	// Requires names the tasks this step resolves through StepContext.Task.
	Requires []string

	// Join, when set, makes the engine collect accepted events and invoke Fn
	// once with the combined event.
	Join *JoinSpec

	Retry *RetryPolicy
	Fn    StepFunc
}

// WorkflowDefinition describes a workflow as a set of event-driven steps.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition

	// Timeout overrides the engine default for runs of this workflow.
	Timeout time.Duration
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff starts at InitialBackoff and grows by BackoffMultiplier (2.0 when
// unset), capped at MaxBackoff when positive. Configuration errors are
// never retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// TaskFailuresOnly retries only errors raised by delegated tasks. An
	// error returned by the step body itself fails the step at once.
	TaskFailuresOnly bool

	// Tasks, when set, retries only failures of the named tasks. It implies
	// TaskFailuresOnly.
	Tasks []string
}

// Retries reports whether err is eligible for another attempt under p.
func (p RetryPolicy) Retries(err error) bool {
	if err == nil || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrRunFinished) {
		return false
	}
	if !p.TaskFailuresOnly && len(p.Tasks) == 0 {
		return true
	}
	tf, ok := AsTaskFailure(err)
	if !ok {
		return false
	}
	return len(p.Tasks) == 0 || slices.Contains(p.Tasks, tf.Task)
}

// Delays returns the sleep before each retry, in order. It has
// MaxAttempts-1 entries.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	backoff := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		delay := backoff
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
		out = append(out, delay)
		backoff = time.Duration(float64(backoff) * mult)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return out
}

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	ID       string
	Workflow string
	Status   Status
	Input    string
	Output   *Result
	Err      error

	StartedAt  time.Time
	FinishedAt time.Time
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	Workflow string
	Status   Status
}

const (
	// DefaultTimeout is the run budget when neither the workflow nor the
	// run overrides it.
	DefaultTimeout = 30 * time.Minute

	// DefaultMaxIterations bounds revise loops that do not set their own.
	DefaultMaxIterations = 3
)

// Config is the subset of configuration consumed by the engine core.
type Config struct {
	Timeout       time.Duration
	MaxIterations int

	// Joins overrides JoinSpec.Required. Keys are "workflow/step", or a
	// bare step name applying to every workflow.
	Joins map[string]int

	// CancelInFlight cancels the context of abandoned step and task calls
	// when a run ends. By default they are left running.
	CancelInFlight bool
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// RunOptions are per-run settings.
type RunOptions struct {
	Tasks   Tasks
	History []Message
	Timeout time.Duration
	Flags   map[string]bool
}

// RunOption configures a run.
type RunOption func(*RunOptions)

// WithTasks registers tasks for the run.
func WithTasks(tasks ...Task) RunOption {
	return func(o *RunOptions) {
		o.Tasks = o.Tasks.With(tasks...)
	}
}

// WithTaskMap registers tasks under explicit names.
func WithTaskMap(tasks Tasks) RunOption {
	return func(o *RunOptions) {
		if o.Tasks == nil {
			o.Tasks = make(Tasks, len(tasks))
		}
		for name, t := range tasks {
			o.Tasks[name] = t
		}
	}
}

// WithHistory sets the chat history of the run.
func WithHistory(history []Message) RunOption {
	return func(o *RunOptions) {
		o.History = append([]Message(nil), history...)
	}
}

// WithTimeout overrides the run budget.
func WithTimeout(d time.Duration) RunOption {
	return func(o *RunOptions) {
		o.Timeout = d
	}
}

// WithFlag sets a start flag for Run. Start takes flags from its event.
func WithFlag(name string, value bool) RunOption {
	return func(o *RunOptions) {
		if o.Flags == nil {
			o.Flags = make(map[string]bool)
		}
		o.Flags[name] = value
	}
}

// ApplyRunOptions folds opts into a RunOptions value.
func ApplyRunOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
