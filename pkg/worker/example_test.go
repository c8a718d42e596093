package worker_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/petrijr/stageflow"
	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/worker"
)

// ExampleWorker demonstrates constructing a Worker explicitly and using it
// to process start requests from a queue.
func ExampleWorker() {
	ctx := context.Background()

	eng := stageflow.NewInMemoryEngine()
	queue := taskqueue.NewInMemoryQueue(16)

	upper := stageflow.NewTask("upper", func(ctx context.Context, input string, emit func(stageflow.Event)) (stageflow.Result, error) {
		return stageflow.Result{Response: strings.ToUpper(input)}, nil
	})

	flow := stageflow.New("BackgroundJob").
		Step("work", stageflow.On(stageflow.KindStart), stageflow.TaskStep("upper", "done"), "done").
		Step("finish", stageflow.On("done"), stageflow.FinishStep())

	if err := flow.Register(eng); err != nil {
		log.Fatal(err)
	}

	w := worker.NewWithConfig(eng, queue, worker.Config{
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		Tasks:       stageflow.Tasks{}.With(upper),
	})

	if _, err := w.EnqueueStartWorkflow(ctx, flow.Name(), "payload", nil); err != nil {
		log.Fatal(err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		log.Fatal(err)
	}

	runs, _ := eng.ListRuns(ctx, stageflow.RunListOptions{Workflow: flow.Name()})
	fmt.Println(processed, runs[0].Output.Response)
	// Output: true PAYLOAD
}
