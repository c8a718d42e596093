// Package stageflow provides an embeddable, event-driven workflow engine for
// orchestrating multi-stage pipelines of asynchronous tasks, such as
// LLM-backed agents.
//
// # Core Concepts
//
// The stageflow programming model is small:
//
//  1. Engine
//  2. FlowBuilder
//  3. StepFunc
//  4. Task
//  5. Worker and LocalRunner
//
// # Engine
//
// The Engine stores workflow definitions, executes runs, and records run
// status and history. A run starts with a start event and ends with exactly
// one stop event, or with a failure or timeout. Engines can record runs in:
//
//   - memory (best for tests)
//   - SQLite
//   - Postgres
//   - Redis
//   - MongoDB
//
// # FlowBuilder
//
// FlowBuilder is the fluent API used to define workflows. A step names the
// event kinds it accepts and the kinds it may emit:
//
//	stageflow.New("Report").
//	    Decision(stageflow.DecisionSpec{...}).
//	    Step("search", stageflow.On("research"), search, "found").
//	    Revise(stageflow.ReviseLoop{...}).
//	    Join("combine", stageflow.On("market", "tech"), 2, combine, "combined").
//	    Step("finish", stageflow.On("combined"), stageflow.FinishStep())
//
// Joins wait for several predecessor kinds before running once. Revise loops
// alternate a producer and a critic task. Decisions route on the answer of a
// classifier task.
//
// # StepFunc
//
// A StepFunc handles one event:
//
//	type StepFunc func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error)
//
// It returns Advance with the next event, Waiting, or Terminate with the
// final Result. Only one step body runs at a time within a run; steps that
// delegate to tasks yield the run while the task works.
//
// # Worker and LocalRunner
//
// A Worker consumes start requests from a queue and runs them to completion,
// rescheduling failed runs with a backoff. LocalRunner bundles an in-memory
// engine, queue and worker for development. NewSQLiteBundle does the same
// with a durable SQLite queue.
package stageflow
