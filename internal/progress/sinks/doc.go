// Package sinks holds the progress.Sink implementations: structured logs,
// Prometheus counters, Pub/Sub publishing and a WebSocket fan-out.
package sinks
