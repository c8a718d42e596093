package stageflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/internal/persistence"
	"github.com/petrijr/stageflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Execution            = api.Execution
	Config               = api.Config
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	StepFunc             = api.StepFunc
	StepResult           = api.StepResult
	Outcome              = api.Outcome
	Progress             = api.Progress
	StepContext          = api.StepContext
	Event                = api.Event
	Kind                 = api.Kind
	Result               = api.Result
	Message              = api.Message
	Task                 = api.Task
	TaskFunc             = api.TaskFunc
	Tasks                = api.Tasks
	Handle               = api.Handle
	RunRecord            = api.RunRecord
	RunListOptions       = api.RunListOptions
	RunOption            = api.RunOption
	HistoryEntry         = api.HistoryEntry
	Status               = api.Status
	JoinSpec             = api.JoinSpec
	RetryPolicy          = api.RetryPolicy
	DecisionSpec         = api.DecisionSpec
	ReviseLoop           = api.ReviseLoop
	ReviseOutcome        = api.ReviseOutcome
	Verdict              = api.Verdict
	Delegation           = api.Delegation
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export constructors and helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewEvent      = api.NewEvent
	StartEvent    = api.StartEvent
	ProgressEvent = api.ProgressEvent
	NewTask       = api.NewTask
	Advance       = api.Advance
	Waiting       = api.Waiting
	Terminate     = api.Terminate

	WithTasks   = api.WithTasks
	WithHistory = api.WithHistory
	WithTimeout = api.WithTimeout
	WithFlag    = api.WithFlag

	ErrConfiguration   = api.ErrConfiguration
	ErrTaskFailure     = api.ErrTaskFailure
	ErrWorkflowTimeout = api.ErrWorkflowTimeout
	IsTimeout          = api.IsTimeout
)

// Re-export event kinds and status values for convenience.

const (
	KindStart    = api.KindStart
	KindStop     = api.KindStop
	KindProgress = api.KindProgress

	OutcomeAdvance   = api.OutcomeAdvance
	OutcomeWaiting   = api.OutcomeWaiting
	OutcomeTerminate = api.OutcomeTerminate

	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusTimedOut  = api.StatusTimedOut
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine whose run records live in memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewEngineWithConfig returns an in-memory Engine using cfg and obs.
func NewEngineWithConfig(cfg Config, obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.FromStore(persistence.NewInMemoryStore()),
		Engine:      cfg,
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that records runs and their history in
// a SQLite database. Workflow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that records runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that records runs in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that records runs in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}

// Convenience helpers that just forward to the underlying Engine.

// Run runs a registered workflow synchronously.
func Run(ctx context.Context, eng Engine, name, input string, opts ...RunOption) (*RunRecord, error) {
	return eng.Run(ctx, name, input, opts...)
}

// GetRun fetches a run record by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*RunRecord, error) {
	return eng.GetRun(ctx, id)
}

// ListRuns lists run records according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*RunRecord, error) {
	return eng.ListRuns(ctx, opts)
}

// History returns the recorded history of a run.
func History(ctx context.Context, eng Engine, runID string) ([]HistoryEntry, error) {
	return eng.History(ctx, runID)
}
