// Package task defines the unit-of-work contract every transfer step
// implements, plus the typed data tasks exchange through the executor.
package task

import (
	"context"
	"log/slog"
	"sync"
)

// Topic names the meaning of a Message payload.
type Topic string

const (
	TopicCRC32C            Topic = "crc32c"
	TopicMD5               Topic = "md5"
	TopicCreatedResource   Topic = "created_resource"
	TopicError             Topic = "error"
	TopicFatalError        Topic = "fatal_error"
	TopicUploadedComponent Topic = "uploaded_component"
	TopicAPIDownloadResult Topic = "api_download_result"
)

// Message is typed data handed from a producer task to its dependents.
type Message struct {
	Topic   Topic
	Payload any
}

// Output is what a task hands back to the executor when it finishes.
//
// AdditionalTaskGroups are wavefronts: group i+1 never starts before every
// task in group i, and everything those tasks recursively spawned, has
// retired. Members of one group must be mutually independent.
//
// Messages are delivered to every task registered as dependent on the
// producer, before the dependent executes.
//
// Dependencies declare producer→consumer message edges among the spawned
// tasks; the executor registers them before the first spawned wavefront
// starts.
type Output struct {
	AdditionalTaskGroups [][]Task
	Messages             []Message
	Dependencies         []Dependency
}

// Dependency is one message-routing edge. The consumer must be scheduled in
// a later wavefront than the producer.
type Dependency struct {
	Producer Task
	Consumer Task
}

// Pool selects which worker pool a task runs on.
type Pool int

const (
	// PoolIO is for network and disk bound work; sized for fan-out.
	PoolIO Pool = iota
	// PoolCPU is for hashing and (de)compression; sized to the machine.
	PoolCPU
)

// Task is a schedulable unit of work.
//
// Execute performs the work and may return an Output with follow-on
// wavefronts and messages. ExitHandler is called exactly once when the task
// retires, success or failure, for terminal bookkeeping.
type Task interface {
	Execute(ctx context.Context, rt *Runtime) (*Output, error)
	ExitHandler(err error, rt *Runtime)

	// ParallelProcessingKey returns a comparable dedup key, or nil. The
	// executor never runs two tasks with the same non-nil key concurrently.
	ParallelProcessingKey() any

	// ReportError reports whether this task's failure flips the run's
	// aggregate exit status.
	ReportError() bool

	Pool() Pool

	// DeliverMessage hands the task a message from a producer it depends
	// on. Called before Execute; must be safe for concurrent producers.
	DeliverMessage(msg Message)
}

// Base supplies the default task behavior: no dedup key, errors reported,
// IO pool, and a thread-safe received-message buffer. Concrete tasks embed
// it and override what they need.
type Base struct {
	mu       sync.Mutex
	received []Message
}

func (b *Base) ParallelProcessingKey() any { return nil }
func (b *Base) ReportError() bool          { return true }
func (b *Base) Pool() Pool                 { return PoolIO }

func (b *Base) DeliverMessage(msg Message) {
	b.mu.Lock()
	b.received = append(b.received, msg)
	b.mu.Unlock()
}

// ReceivedMessages returns the messages delivered so far, in arrival order.
func (b *Base) ReceivedMessages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.received))
	copy(out, b.received)
	return out
}

// ExitHandler is a no-op by default.
func (b *Base) ExitHandler(err error, rt *Runtime) {}

// Runtime carries the per-run collaborators a task executes with. It is
// constructed fresh per run; there is no global engine state.
type Runtime struct {
	Log  *slog.Logger
	Sink StatusSink
}

// Publish sends an event to the status sink, if one is attached.
func (rt *Runtime) Publish(ev Event) {
	if rt != nil && rt.Sink != nil {
		rt.Sink.Publish(ev)
	}
}

// Logger returns the runtime logger, falling back to the default.
func (rt *Runtime) Logger() *slog.Logger {
	if rt == nil || rt.Log == nil {
		return slog.Default()
	}
	return rt.Log
}
