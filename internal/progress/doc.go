// Package progress carries status out of running work. A Channel is the
// per-unit sink that work writes its message and fraction into; listeners
// observe it without the work knowing who they are. Lifecycle Events for
// units executed on an instrumented pool are batched by a Hub on a
// background goroutine and fanned out to pluggable sinks such as Prometheus
// metrics or structured logs.
package progress
