// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that fetch workers and pipeline stages use to report what they
// are doing. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus metrics or the status endpoint.
package progress
