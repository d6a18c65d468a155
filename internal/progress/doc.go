// Package progress defines the domain events emitted by the orchestration
// loop and the task controller, plus the non-blocking Hub that batches them
// to pluggable sinks and forwards them to live subscribers.
package progress
