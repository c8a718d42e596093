package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Message is one turn of the chat history a run was started with.
type Message struct {
	Role    string
	Content string
}

// SharedContextConfig wires a SharedContext to its run.
type SharedContextConfig struct {
	RunID    string
	Workflow string
	History  []Message

	// MaxIterations is the default bound of revise loops in this run.
	MaxIterations int

	// Sink receives every event written to the run stream.
	Sink func(Event)

	// Send enqueues an additional event for dispatch.
	Send func(Event)

	Logger *slog.Logger
}

// SharedContext is the per-run key/value store and stream sink. It is
// created when a run starts and discarded when it ends; it is never shared
// between runs.
type SharedContext struct {
	runID         string
	workflow      string
	history       []Message
	maxIterations int
	sink          func(Event)
	send          func(Event)
	logger        *slog.Logger

	mu       sync.Mutex
	values   map[string]any
	barriers map[string]*JoinBarrier
}

// NewSharedContext creates the context of one run.
func NewSharedContext(cfg SharedContextConfig) *SharedContext {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	history := make([]Message, len(cfg.History))
	copy(history, cfg.History)

	return &SharedContext{
		runID:         cfg.RunID,
		workflow:      cfg.Workflow,
		history:       history,
		maxIterations: maxIter,
		sink:          cfg.Sink,
		send:          cfg.Send,
		logger:        logger,
		values:        make(map[string]any),
		barriers:      make(map[string]*JoinBarrier),
	}
}

func (c *SharedContext) RunID() string    { return c.runID }
func (c *SharedContext) Workflow() string { return c.workflow }

// MaxIterations is the run-wide default bound for revise loops.
func (c *SharedContext) MaxIterations() int { return c.maxIterations }

// Logger returns the run logger.
func (c *SharedContext) Logger() *slog.Logger { return c.logger }

// History returns a copy of the run's chat history.
func (c *SharedContext) History() []Message {
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Get returns the value stored under key.
func (c *SharedContext) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "" if absent or not a string.
func (c *SharedContext) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores value under key.
func (c *SharedContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Incr increments the integer counter under key and returns its new value.
func (c *SharedContext) Incr(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.values[key].(int)
	n++
	c.values[key] = n
	return n
}

// Append appends value to the list under key and returns a copy of the list.
func (c *SharedContext) Append(key string, value any) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.values[key].([]any)
	list = append(list, value)
	c.values[key] = list
	out := make([]any, len(list))
	copy(out, list)
	return out
}

// Barrier returns the join barrier registered under key, creating it with
// spec on first use.
func (c *SharedContext) Barrier(key string, spec JoinSpec) *JoinBarrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.barriers[key]
	if !ok {
		b = NewJoinBarrier(spec)
		c.barriers[key] = b
	}
	return b
}

// Write sends ev to the run stream. Writing is best-effort: a failing sink
// is logged and the event dropped. Stop events cannot be written; steps end
// a run by returning Terminate.
func (c *SharedContext) Write(ev Event) {
	if ev.Kind == KindStop {
		c.logger.Warn("stop event written to stream; dropped",
			slog.String("workflow", c.workflow),
			slog.String("run_id", c.runID),
		)
		return
	}
	if c.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream sink failed; event dropped",
				slog.String("workflow", c.workflow),
				slog.String("run_id", c.runID),
				slog.String("kind", string(ev.Kind)),
				slog.Any("panic", r),
			)
		}
	}()
	c.sink(ev)
}

// Progress writes a progress notification attributed to source.
func (c *SharedContext) Progress(source, message string) {
	c.Write(ProgressEvent(source, message).Relabel(c.workflow))
}

// Progressf is Progress with a formatted message.
func (c *SharedContext) Progressf(source, format string, args ...any) {
	c.Progress(source, fmt.Sprintf(format, args...))
}

// Send enqueues ev for dispatch in addition to the event a step returns.
// Progress events are written to the stream instead; stop events are dropped.
func (c *SharedContext) Send(ev Event) {
	switch ev.Kind {
	case KindProgress:
		c.Write(ev)
		return
	case KindStop:
		c.logger.Warn("stop event sent for dispatch; dropped",
			slog.String("workflow", c.workflow),
			slog.String("run_id", c.runID),
		)
		return
	}
	if c.send == nil {
		c.logger.Warn("no dispatcher attached; event dropped",
			slog.String("workflow", c.workflow),
			slog.String("kind", string(ev.Kind)),
		)
		return
	}
	c.send(ev)
}

// Suspender hands the run's execution slot back to the scheduler while a
// step waits for external work, and takes it again afterwards.
type Suspender interface {
	Suspend()
	// Resume blocks until the step may continue. It returns ErrRunFinished
	// if the run ended in the meantime.
	Resume() error
}

// StepContext is what a single step invocation sees: the run's
// SharedContext plus its own identity and resolved task dependencies.
type StepContext struct {
	*SharedContext

	step  string
	tasks Tasks
	susp  Suspender
}

// NewStepContext creates the context of one step invocation. susp may be nil,
// in which case Suspend simply runs the wait function.
func NewStepContext(shared *SharedContext, step string, tasks Tasks, susp Suspender) *StepContext {
	return &StepContext{
		SharedContext: shared,
		step:          step,
		tasks:         tasks,
		susp:          susp,
	}
}

// Step returns the name of the executing step.
func (s *StepContext) Step() string { return s.step }

// Task returns the task registered under name.
func (s *StepContext) Task(name string) (Task, error) {
	t, ok := s.tasks.Lookup(name)
	if !ok {
		return nil, NewConfigurationError(s.Workflow(), s.step, "task %q is not in the run registry", name)
	}
	return t, nil
}

// Collect adds ev to this step's join barrier. It returns the combined event
// once required predecessors arrived; before that it reports the count on the
// stream and returns false, and the step should return Waiting.
func (s *StepContext) Collect(ev Event, required int) (Event, bool) {
	return s.CollectWith(ev, JoinSpec{Required: required})
}

// CollectWith is Collect with an explicit join policy.
func (s *StepContext) CollectWith(ev Event, spec JoinSpec) (Event, bool) {
	b := s.Barrier(s.step, spec)
	if b.Released() {
		s.Progressf(s.step, "join already released; ignoring %s", ev.Kind)
		return Event{}, false
	}
	combined, ok := b.Collect(ev)
	if !ok {
		s.Progressf(s.step, "collected %d/%d", b.Count(), b.Required())
		return Event{}, false
	}
	return combined, true
}

// Suspend releases the run's execution slot, runs wait, and re-acquires
// the slot. Other ready steps may run while wait blocks.
func (s *StepContext) Suspend(ctx context.Context, wait func(context.Context) error) error {
	if s.susp == nil {
		return wait(ctx)
	}
	s.susp.Suspend()
	werr := wait(ctx)
	if err := s.susp.Resume(); err != nil {
		return err
	}
	return werr
}
