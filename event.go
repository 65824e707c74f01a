package lazypp

import "time"

// EventKind identifies what happened to a task.
type EventKind string

const (
	EventCached   EventKind = "TaskCached"
	EventExecuted EventKind = "TaskExecuted"
	EventFailed   EventKind = "TaskFailed"
)

// Event is reported to observers registered WithObserver.
type Event struct {
	Kind EventKind
	Task string
	Hash string

	// Attempts is the number of body runs. Zero for cache hits and for
	// failures before the body ran.
	Attempts int

	Duration time.Duration

	// Err is set for EventFailed. A failure caused by a dependency is a
	// *DependencyError.
	Err error
}
