package api

import (
	"fmt"
	"time"
)

// Kind is the discriminant of an Event. Steps are bound to the kinds they
// accept; dispatch is by kind membership only.
type Kind string

const (
	// KindStart is the entry event of a run. It carries the raw user input
	// and optional flags (for example "streaming").
	KindStart Kind = "start"

	// KindStop is the terminal event of a run or task. It carries the final
	// Result and is never dispatched to steps.
	KindStop Kind = "stop"

	// KindProgress carries an observability notification. It is written to
	// the run stream and never drives dispatch.
	KindProgress Kind = "progress"
)

// Reserved reports whether k is one of the kinds owned by the engine.
func (k Kind) Reserved() bool {
	return k == KindStop || k == KindProgress
}

// Progress is the payload of a KindProgress event.
type Progress struct {
	// Source is the task or step that produced the notification.
	Source string
	// Message is a short, human-oriented status line.
	Message string
	// Workflow names the workflow (or delegated stage) the notification
	// belongs to. Delegation rewrites it to the delegate label.
	Workflow string
}

// Result is the terminal output of a run or task.
type Result struct {
	// Response is the textual response.
	Response string
	// Value is an optional structured payload.
	Value any
}

// Event is the unit of control flow and data flow between steps.
//
// It is a tagged union over a single struct: Kind selects the variant and
// only the fields meaningful for that variant are set. Events are passed by
// value and must be treated as immutable once created; the With* helpers
// return modified copies.
type Event struct {
	Kind  Kind
	Input string

	// Iteration is used by iterative stages such as ReviseLoop.
	Iteration int

	// Data carries stage-specific structured payload (a script, a critique...).
	Data any

	// Flags is only set on start events.
	Flags map[string]bool

	// Progress is only set on progress events.
	Progress *Progress

	// Result is only set on stop events.
	Result *Result

	// Joined holds every event received by a join barrier when this event
	// is the combined release of that barrier, in arrival order.
	Joined []Event
}

// NewEvent creates an event of the given kind carrying input.
func NewEvent(kind Kind, input string) Event {
	return Event{Kind: kind, Input: input}
}

// StartEvent creates the entry event of a run.
func StartEvent(input string, flags map[string]bool) Event {
	ev := Event{Kind: KindStart, Input: input}
	if len(flags) > 0 {
		ev.Flags = make(map[string]bool, len(flags))
		for k, v := range flags {
			ev.Flags[k] = v
		}
	}
	return ev
}

// StopEvent creates the terminal event carrying res.
func StopEvent(res Result) Event {
	r := res
	return Event{Kind: KindStop, Input: res.Response, Result: &r}
}

// ProgressEvent creates a progress notification attributed to source.
func ProgressEvent(source, message string) Event {
	return Event{
		Kind:     KindProgress,
		Progress: &Progress{Source: source, Message: message},
	}
}

// Flag returns the value of a start flag.
func (e Event) Flag(name string) bool {
	return e.Flags[name]
}

// WithIteration returns a copy of e with Iteration set.
func (e Event) WithIteration(i int) Event {
	e.Iteration = i
	return e
}

// WithData returns a copy of e with Data set.
func (e Event) WithData(data any) Event {
	e.Data = data
	return e
}

// Relabel returns a copy of e whose progress payload is attributed to
// workflow. Events without a progress payload are returned unchanged.
func (e Event) Relabel(workflow string) Event {
	if e.Progress == nil || workflow == "" {
		return e
	}
	p := *e.Progress
	p.Workflow = workflow
	e.Progress = &p
	return e
}

func (e Event) String() string {
	switch e.Kind {
	case KindProgress:
		if e.Progress != nil {
			return fmt.Sprintf("progress[%s/%s]: %s", e.Progress.Workflow, e.Progress.Source, e.Progress.Message)
		}
	case KindStop:
		if e.Result != nil {
			return fmt.Sprintf("stop: %s", e.Result.Response)
		}
	}
	return fmt.Sprintf("%s(iteration=%d): %s", e.Kind, e.Iteration, e.Input)
}

// HistoryType identifies a run history entry.
type HistoryType string

const (
	HistoryRunStarted   HistoryType = "run.started"
	HistoryRunCompleted HistoryType = "run.completed"
	HistoryRunFailed    HistoryType = "run.failed"
	HistoryRunTimedOut  HistoryType = "run.timed_out"

	HistoryStepStarted   HistoryType = "step.started"
	HistoryStepCompleted HistoryType = "step.completed"
	HistoryStepWaiting   HistoryType = "step.waiting"
	HistoryStepFailed    HistoryType = "step.failed"

	HistoryProgress HistoryType = "progress"
)

// HistoryEntry is a minimal append-only record for audit/debugging.
// Keep Detail low-volume: do NOT dump task outputs here.
type HistoryEntry struct {
	RunID    string
	At       time.Time
	Type     HistoryType
	Workflow string
	Step     string
	Kind     Kind
	Detail   string
}
