package stageflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory request queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stageflow.NewLocalRunner(writer, critic)
//	flow := stageflow.New("my-flow").Step(...)
//	flow.MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	rec, err := stageflow.Run(ctx, runner.Engine, flow.Name(), input, stageflow.WithTasks(writer, critic))
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.StartWorkflowAsync(ctx, flow.Name(), input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue is the in-memory request queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes requests from Queue using Engine.
	Worker *worker.Worker

	// Logger reports worker loop errors. Defaults to slog.Default().
	Logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker whose runs may delegate to tasks.
func NewLocalRunner(tasks ...Task) *LocalRunner {
	eng := NewInMemoryEngine()
	q := taskqueue.NewInMemoryQueue(1024)
	w := worker.NewWithConfig(eng, q, worker.Config{
		Tasks: Tasks(nil).With(tasks...),
	})

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
		Logger: slog.Default(),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stageflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if err == nil {
					continue
				}
				// Cancellation is the shutdown signal.
				if ctx.Err() != nil {
					return
				}
				// A single failing run must not kill the loop.
				logger.Warn("local_runner_error",
					slog.Int("worker", id),
					slog.Any("error", err),
				)
			}
		}(i)
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// StartWorkflowAsync enqueues a request to start the given workflow and
// returns the request ID. The workflow must already be registered on
// LocalRunner.Engine.
func (r *LocalRunner) StartWorkflowAsync(ctx context.Context, workflowName, input string) (string, error) {
	return r.Worker.EnqueueStartWorkflow(ctx, workflowName, input, nil)
}
