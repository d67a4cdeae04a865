package task

import "time"

// EventKind classifies status events.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is a progress or error notification published while a task runs.
// Consumed by an external progress renderer; the engine only writes.
type Event struct {
	Time        time.Time
	Kind        EventKind
	TaskName    string
	Destination string
	Bytes       int64
	Err         error
}

// StatusSink is a write-only channel for progress and error events.
type StatusSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to the StatusSink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// FatalError wraps an error that must halt scheduling of further wavefronts
// for the operation that produced it. Already-running sibling tasks are
// allowed to finish.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }
