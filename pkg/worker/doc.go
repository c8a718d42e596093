// Package worker provides the background worker used to start stageflow
// runs asynchronously.
//
// Workers consume start requests from a task queue and run each one to its
// end on an engine. A request only names the workflow, its input, start
// flags and chat history; the tasks a run delegates to come from the
// worker's own registry (Config.Tasks), so requests can be kept in a
// durable queue.
//
// # Retries
//
// A run that fails is rescheduled with Config.Backoff until
// Config.MaxAttempts runs were made. Configuration errors and unknown
// workflows are reported immediately. Step-level retries are configured on
// the step itself (api.RetryPolicy) and happen inside a single run.
//
// # Usage
//
// Most users should go through the stageflow package: LocalRunner drives
// a pool of workers over an in-memory queue, and NewSQLiteBundle wires a
// worker to a SQLite-backed engine and queue.
package worker
