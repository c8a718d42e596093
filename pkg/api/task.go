package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Task is an opaque asynchronous unit of work, typically an LLM-driven
// agent or a nested workflow.
//
// Run must return promptly; the work itself happens behind the Handle.
// Tasks are owned by the caller: the engine never tears them down, and a
// task may be orphaned when its run ends first.
type Task interface {
	Name() string
	Run(ctx context.Context, input string) Handle
}

// Handle observes one execution of a Task (or of a workflow run).
type Handle interface {
	// Events yields progress and intermediate events. The channel is closed
	// after the terminal KindStop event on success, or without one on failure.
	Events() <-chan Event

	// Wait blocks until the execution finished and returns its terminal result.
	Wait(ctx context.Context) (Result, error)
}

// Stream is the Handle implementation shared by tasks and engines.
//
// Emit never blocks: events are buffered until the consumer reads them.
// A stream that is never read keeps one goroutine parked until it is.
type Stream struct {
	mu      sync.Mutex
	pending []Event
	closed  bool

	wake chan struct{}
	out  chan Event
	done chan struct{}

	result Result
	err    error
}

// Ensure Stream implements Handle.
var _ Handle = (*Stream)(nil)

// NewStream creates an open stream.
func NewStream() *Stream {
	s := &Stream{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Emit appends ev to the stream. It returns false if the stream was
// already finished.
func (s *Stream) Emit(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// Finish terminates the stream. On success (err == nil) a KindStop event
// carrying res is emitted last. Only the first call has an effect.
func (s *Stream) Finish(res Result, err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if err == nil {
		s.pending = append(s.pending, StopEvent(res))
	}
	s.closed = true
	s.result = res
	s.err = err
	s.mu.Unlock()

	close(s.done)
	s.signal()
	return true
}

// Events implements Handle.
func (s *Stream) Events() <-chan Event {
	return s.out
}

// Wait implements Handle.
func (s *Stream) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once Finish was called.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) pump() {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending[0] = Event{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.out <- ev
			continue
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// Drain reads h until its event stream ends and returns the terminal result.
func Drain(ctx context.Context, h Handle) (Result, error) {
	for range h.Events() {
	}
	return h.Wait(ctx)
}

// TaskFunc is the body of a function-backed Task. emit writes progress or
// intermediate events to the task's stream.
type TaskFunc func(ctx context.Context, input string, emit func(Event)) (Result, error)

type funcTask struct {
	name string
	fn   TaskFunc
}

// NewTask adapts fn into a Task named name. Each Run executes fn in its
// own goroutine; a panic inside fn fails that execution.
func NewTask(name string, fn TaskFunc) Task {
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Run(ctx context.Context, input string) Handle {
	s := NewStream()
	go func() {
		var (
			res Result
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %q panicked: %v", t.name, r)
			}
			s.Finish(res, err)
		}()
		res, err = t.fn(ctx, input, func(ev Event) { s.Emit(ev) })
	}()
	return s
}

// Tasks is the per-run task registry, keyed by the names steps declare in
// StepDefinition.Requires. It is treated as immutable for a run.
type Tasks map[string]Task

// Lookup returns the task registered under name.
func (t Tasks) Lookup(name string) (Task, bool) {
	task, ok := t[name]
	return task, ok && task != nil
}

// Missing returns the names in required that are not registered, sorted.
func (t Tasks) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := t.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// With returns a copy of t with the given tasks added under their names.
func (t Tasks) With(tasks ...Task) Tasks {
	out := make(Tasks, len(t)+len(tasks))
	for k, v := range t {
		out[k] = v
	}
	for _, task := range tasks {
		out[task.Name()] = task
	}
	return out
}
