package api

import (
	"context"
)

// Execution is a live run.
type Execution interface {
	Handle
	ID() string
}

// Engine registers workflows and executes runs.
type Engine interface {
	// RegisterWorkflow validates def and registers it by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start begins a run triggered by start and returns immediately.
	// Missing task dependencies are reported here, before any step runs.
	Start(ctx context.Context, name string, start Event, opts ...RunOption) (Execution, error)

	// Run starts a run and drains it. The returned record is never nil when
	// the run was started; its error is also returned.
	Run(ctx context.Context, name string, input string, opts ...RunOption) (*RunRecord, error)

	// Task exposes a registered workflow as a Task. opts are applied to
	// every run of the task.
	Task(name string, opts ...RunOption) (Task, error)

	// GetRun looks up a run record by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run records matching opts.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunRecord, error)

	// History returns the recorded history of a run in chronological order.
	History(ctx context.Context, runID string) ([]HistoryEntry, error)
}
