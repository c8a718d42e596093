package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration classifies definition and wiring mistakes. They are
	// surfaced immediately and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrTaskFailure classifies errors raised by a Task call.
	ErrTaskFailure = errors.New("task failure")

	// ErrWorkflowTimeout classifies runs that exceeded their wall-clock budget.
	ErrWorkflowTimeout = errors.New("workflow timeout")

	// ErrUnknownWorkflow is returned when starting a workflow that was never registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrRunNotFound is returned when a run record does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned to suspended steps whose run ended while
	// they were waiting. The step should return promptly.
	ErrRunFinished = errors.New("run already finished")
)

// ConfigurationError describes a definition or wiring mistake.
type ConfigurationError struct {
	Workflow string
	Step     string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Step != "":
		return fmt.Sprintf("configuration error: workflow %q step %q: %s", e.Workflow, e.Step, e.Reason)
	case e.Workflow != "":
		return fmt.Sprintf("configuration error: workflow %q: %s", e.Workflow, e.Reason)
	default:
		return "configuration error: " + e.Reason
	}
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(workflow, step, format string, args ...any) error {
	return &ConfigurationError{
		Workflow: workflow,
		Step:     step,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// TaskFailure wraps an error raised by a Task with the task and step it
// happened in.
type TaskFailure struct {
	Task string
	Step string
	Err  error
}

func (e *TaskFailure) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %q failed in step %q: %v", e.Task, e.Step, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }

func (e *TaskFailure) Is(target error) bool {
	return target == ErrTaskFailure
}

// TimeoutError is the terminal outcome of a run that exceeded its budget.
type TimeoutError struct {
	Workflow string
	RunID    string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow %q run %s timed out after %s", e.Workflow, e.RunID, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrWorkflowTimeout
}

// IsTimeout reports whether err is a run's own timeout outcome. A delegated
// workflow that timed out surfaces in its parent as a TaskFailure, which
// still matches ErrWorkflowTimeout with errors.Is but is not a timeout of
// the parent.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrWorkflowTimeout) && !errors.Is(err, ErrTaskFailure)
}

// AsTaskFailure returns the TaskFailure wrapped in err, if any.
func AsTaskFailure(err error) (*TaskFailure, bool) {
	var tf *TaskFailure
	if errors.As(err, &tf) {
		return tf, true
	}
	return nil, false
}
