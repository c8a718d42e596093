package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/api"
)

// Config controls how a Worker starts runs.
type Config struct {
	// MaxAttempts is how many times a request is run before its failure is
	// reported. Values <= 1 disable rescheduling.
	MaxAttempts int

	// Backoff delays a rescheduled request.
	Backoff time.Duration

	// Tasks is the task registry handed to every run this worker starts.
	Tasks api.Tasks

	// RunTimeout overrides the run budget when positive.
	RunTimeout time.Duration

	Logger *slog.Logger
}

// Worker pulls start requests from a Queue and runs them on an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker with the default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given config.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue adds a start request. ID and EnqueuedAt are filled in when empty.
// It does NOT run the workflow itself; that is done by ProcessOne.
func (w *Worker) Enqueue(ctx context.Context, r taskqueue.Request) (string, error) {
	if r.Workflow == "" {
		return "", api.NewConfigurationError("", "", "start request without workflow")
	}
	if r.ID == "" {
		r.ID = "req-" + uuid.NewString()
	}
	if r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = time.Now()
	}
	if err := w.queue.Enqueue(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// EnqueueStartWorkflow enqueues a request to start a workflow asynchronously.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, workflow, input string, flags map[string]bool) (string, error) {
	return w.Enqueue(ctx, taskqueue.Request{Workflow: workflow, Input: input, Flags: flags})
}

// EnqueueStartWorkflowAt enqueues a request that starts no earlier than at.
func (w *Worker) EnqueueStartWorkflowAt(ctx context.Context, workflow, input string, at time.Time) (string, error) {
	return w.Enqueue(ctx, taskqueue.Request{Workflow: workflow, Input: input, NotBefore: at})
}

// ProcessOne pulls a single request from the queue and runs it to the end.
// Returns (processed, error):
//   - processed == false: nothing was dequeued (ctx cancelled or queue error).
//   - processed == true: a request was handled; err is the run failure once
//     no attempts are left. A failure that was rescheduled returns nil.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	req, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	if wait := time.Until(req.NotBefore); !req.Ready(time.Now()) {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			// Hand the request back so it is not lost.
			if qerr := w.queue.Enqueue(context.WithoutCancel(ctx), *req); qerr != nil {
				return false, errors.Join(ctx.Err(), qerr)
			}
			return false, ctx.Err()
		}
	}

	rec, runErr := w.engine.Run(ctx, req.Workflow, req.Input, w.runOptions(*req)...)
	log := w.logger.With(
		slog.String("request_id", req.ID),
		slog.String("workflow", req.Workflow),
		slog.Int("attempt", req.Attempts+1),
	)
	if rec != nil {
		log = log.With(slog.String("run_id", rec.ID))
	}

	if runErr == nil {
		log.Info("request_completed")
		return true, nil
	}

	if w.retryable(*req, runErr) {
		next := *req
		next.Attempts++
		next.NotBefore = time.Now().Add(w.cfg.Backoff)
		// The run may have failed because ctx was cancelled; the
		// reschedule must still land.
		if qerr := w.queue.Enqueue(context.WithoutCancel(ctx), next); qerr != nil {
			return true, fmt.Errorf("reschedule request %s: %w", req.ID, errors.Join(runErr, qerr))
		}
		log.Warn("request_rescheduled",
			slog.Duration("backoff", w.cfg.Backoff),
			slog.Any("error", runErr),
		)
		return true, nil
	}

	log.Error("request_failed", slog.Any("error", runErr))
	return true, runErr
}

func (w *Worker) retryable(req taskqueue.Request, err error) bool {
	if req.Attempts+1 >= w.cfg.MaxAttempts {
		return false
	}
	return !errors.Is(err, api.ErrConfiguration) && !errors.Is(err, api.ErrUnknownWorkflow)
}

func (w *Worker) runOptions(req taskqueue.Request) []api.RunOption {
	opts := []api.RunOption{api.WithTaskMap(w.cfg.Tasks)}
	if len(req.History) > 0 {
		opts = append(opts, api.WithHistory(req.History))
	}
	for name, v := range req.Flags {
		opts = append(opts, api.WithFlag(name, v))
	}
	if w.cfg.RunTimeout > 0 {
		opts = append(opts, api.WithTimeout(w.cfg.RunTimeout))
	}
	return opts
}
