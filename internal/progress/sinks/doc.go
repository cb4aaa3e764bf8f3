// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, the in-memory status snapshot served over HTTP, and
// run history persisted through a store.RunRepository. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
