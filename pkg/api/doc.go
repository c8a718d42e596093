// Package api contains the core building blocks used by the stageflow
// workflow engine. It provides the primitives for defining event-driven
// workflows, delegating to tasks, and observing engine behavior.
//
// Most users interact with the higher-level stageflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations or contributors extending the engine
// itself.
//
// # Events and Steps
//
// A workflow is a set of steps bound to the event kinds they accept. A run
// starts with a KindStart event; every step accepting that kind is invoked
// and returns a StepResult:
//
//   - Advance dispatches a new event to the steps accepting its kind
//   - Waiting consumes the event without producing one
//   - Terminate ends the run with a Result
//
// Only one step body executes at a time within a run. A step releases the
// run while it waits on external work by calling StepContext.Suspend, which
// Delegate, DelegateTask and DelegateAll do for it.
//
// # Tasks
//
// A Task is an opaque asynchronous unit of work, usually an LLM-backed agent
// or a nested workflow. Tasks stream progress events and finish with a
// single KindStop event. When a step delegates to a task, the task's stop
// event is never forwarded to the parent run; its progress is relabelled
// with the delegate label.
//
// # Composites
//
// Three reusable shapes are built from the primitives:
//
//   - JoinBarrier (via StepDefinition.Join or StepContext.Collect) waits for
//     a number of predecessor kinds and releases one combined event
//   - ReviseLoop pairs a producer and a critic task and iterates until the
//     critic is satisfied or the iteration bound is reached
//   - DecisionStep routes on the trimmed, lower-cased output of a classifier
//
// # Observability
//
// The Observer interface reports run, step and progress lifecycle events.
// LoggingObserver writes them with log/slog, BasicMetrics keeps in-memory
// counters, and NewCompositeObserver combines several observers.
package api
