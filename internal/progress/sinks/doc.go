// Package sinks implements concrete event consumers: Prometheus metrics,
// repository-backed persistence, Pub/Sub publishing and structured logging.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close
// cycles.
package sinks
