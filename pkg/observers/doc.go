// Package observers provides api.Observer implementations that export run
// lifecycle data to external systems: Prometheus metrics and NATS progress
// messages.
package observers
