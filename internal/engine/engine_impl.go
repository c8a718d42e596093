package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stageflow/internal/persistence"
	"github.com/petrijr/stageflow/pkg/api"
)

// engineImpl is an in-process engine. Each run gets its own cooperative
// scheduler goroutine; runs never share state.
type engineImpl struct {
	registry *workflowRegistry
	runs     persistence.RunStore
	history  persistence.HistoryStore
	observer api.Observer
	logger   *slog.Logger
	cfg      api.Config
}

// Config describes how to construct an engineImpl.
// Only used inside this module; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger
	Engine      api.Config
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.FromStore(persistence.NewInMemoryStore()))
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with obs attached.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(persistence.NewInMemoryStore()),
		Observer:    obs,
	})
}

// NewSQLiteEngine records runs and history in SQLite. The caller imports
// the driver (modernc.org/sqlite).
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.FromStore(store)), nil
}

// NewPostgresEngine records runs and history in PostgreSQL. The caller
// imports the driver (github.com/jackc/pgx/v5/stdlib).
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.FromStore(store)), nil
}

// NewRedisEngine records runs and history in Redis.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewEngine(persistence.FromStore(persistence.NewRedisStore(client, "stageflow:")))
}

// NewMongoEngine records runs and history in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string) api.Engine {
	return NewEngine(persistence.FromStore(persistence.NewMongoStore(client, dbName)))
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	runs := cfg.Persistence.Runs
	if runs == nil {
		runs = persistence.NewInMemoryStore()
	}
	history := cfg.Persistence.History
	if history == nil {
		history = persistence.NoopHistoryStore{}
	}
	return &engineImpl{
		registry: newWorkflowRegistry(),
		runs:     runs,
		history:  history,
		observer: safeObserver{inner: obs, logger: logger},
		logger:   logger,
		cfg:      cfg.Engine.WithDefaults(),
	}
}

// NewEngine returns an Engine backed by the given persistence and default
// configuration.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.Register(def, e.cfg.Joins)
}

func (e *engineImpl) Start(ctx context.Context, name string, start api.Event, opts ...api.RunOption) (api.Execution, error) {
	wf, ok := e.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
	}
	o := api.ApplyRunOptions(opts...)

	if missing := o.Tasks.Missing(wf.requires); len(missing) > 0 {
		return nil, api.NewConfigurationError(name, "", "missing task dependencies: %s", strings.Join(missing, ", "))
	}
	if start.Kind == "" {
		start.Kind = api.KindStart
	}
	if start.Kind.Reserved() {
		return nil, api.NewConfigurationError(name, "", "cannot start a run with reserved kind %q", start.Kind)
	}
	if len(wf.consumers(start.Kind)) == 0 {
		return nil, api.NewConfigurationError(name, "", "no step accepts %q", start.Kind)
	}

	timeout := e.cfg.Timeout
	if wf.def.Timeout > 0 {
		timeout = wf.def.Timeout
	}
	if o.Timeout > 0 {
		timeout = o.Timeout
	}

	rec := &api.RunRecord{
		ID:        e.nextRunID(),
		Workflow:  name,
		Status:    api.StatusRunning,
		Input:     start.Input,
		StartedAt: time.Now(),
	}
	if err := e.runs.SaveRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	r := newRun(ctx, e, wf, rec, o, timeout)
	e.appendHistory(ctx, api.HistoryEntry{
		RunID:    rec.ID,
		Type:     api.HistoryRunStarted,
		Workflow: name,
		Kind:     start.Kind,
		Detail:   fmt.Sprintf("timeout=%s", timeout),
	})
	e.observer.OnRunStart(ctx, r.snapshot())

	go r.loop(start)
	return r, nil
}

func (e *engineImpl) Run(ctx context.Context, name string, input string, opts ...api.RunOption) (*api.RunRecord, error) {
	o := api.ApplyRunOptions(opts...)
	exec, err := e.Start(ctx, name, api.StartEvent(input, o.Flags), opts...)
	if err != nil {
		return nil, err
	}

	_, runErr := api.Drain(ctx, exec)

	rec, err := e.GetRun(context.WithoutCancel(ctx), exec.ID())
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	return rec, runErr
}

func (e *engineImpl) Task(name string, opts ...api.RunOption) (api.Task, error) {
	if _, ok := e.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
	}
	return &workflowTask{e: e, name: name, opts: opts}, nil
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	rec, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.RunRecord, error) {
	return e.runs.ListRuns(ctx, persistence.RunFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) History(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return e.history.ListEvents(ctx, runID)
}

func (e *engineImpl) nextRunID() string {
	return "run-" + uuid.NewString()
}

// appendHistory records entry; history is best-effort and never fails a run.
func (e *engineImpl) appendHistory(ctx context.Context, entry api.HistoryEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := e.history.AppendEvent(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("history append failed",
			slog.String("run_id", entry.RunID),
			slog.String("type", string(entry.Type)),
			slog.Any("error", err),
		)
	}
}

// workflowTask exposes a registered workflow as a Task.
type workflowTask struct {
	e    *engineImpl
	name string
	opts []api.RunOption
}

func (t *workflowTask) Name() string { return t.name }

func (t *workflowTask) Run(ctx context.Context, input string) api.Handle {
	o := api.ApplyRunOptions(t.opts...)
	exec, err := t.e.Start(ctx, t.name, api.StartEvent(input, o.Flags), t.opts...)
	if err != nil {
		s := api.NewStream()
		s.Finish(api.Result{}, err)
		return s
	}
	return exec
}
