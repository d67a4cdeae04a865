// Package executor schedules transfer tasks: bounded worker pools, at-most-
// once-per-key execution, strict wavefront ordering, and message routing
// between producers and their dependents.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/metrics"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

// Config sizes the executor's worker pools.
type Config struct {
	IOWorkers  int // fan-out for network/disk bound tasks
	CPUWorkers int // parallelism for hashing and (de)compression
}

// Result aggregates a run's outcome.
type Result struct {
	Succeeded int64
	Failed    int64
	Deferred  int64 // duplicate-key submissions that had to wait
}

// Executor runs tasks with bounded parallelism. Construct one per run.
type Executor struct {
	ioSem  *semaphore.Weighted
	cpuSem *semaphore.Weighted
	log    *slog.Logger
	sink   task.StatusSink

	mu       sync.Mutex
	inflight map[any]struct{}
	waiters  map[any][]chan struct{}
	deps     map[task.Task][]task.Task

	wg        sync.WaitGroup
	succeeded atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	// true once any failed task with ReportError() flipped the run status
	reportFailed atomic.Bool
}

// operation is one top-level submission and everything it spawns.
// Its fatal flag stops scheduling of new wavefronts without killing
// in-flight siblings.
type operation struct {
	id    string
	fatal atomic.Bool
}

// New creates an executor. sink may be nil.
func New(cfg Config, sink task.StatusSink) *Executor {
	if cfg.IOWorkers < 1 {
		cfg.IOWorkers = 1
	}
	if cfg.CPUWorkers < 1 {
		cfg.CPUWorkers = 1
	}

	return &Executor{
		ioSem:    semaphore.NewWeighted(int64(cfg.IOWorkers)),
		cpuSem:   semaphore.NewWeighted(int64(cfg.CPUWorkers)),
		log:      logging.Component("executor"),
		sink:     sink,
		inflight: make(map[any]struct{}),
		waiters:  make(map[any][]chan struct{}),
		deps:     make(map[task.Task][]task.Task),
	}
}

// Dependent registers consumer to receive producer's output messages before
// consumer executes. Graph builders call this when constructing sub-graphs;
// by construction the consumer sits in a later wavefront than the producer.
func (e *Executor) Dependent(producer, consumer task.Task) {
	e.mu.Lock()
	e.deps[producer] = append(e.deps[producer], consumer)
	e.mu.Unlock()
}

// Submit starts a new top-level operation rooted at t. It returns
// immediately; Wait blocks until all submitted operations retire.
func (e *Executor) Submit(ctx context.Context, t task.Task) {
	op := &operation{id: uuid.New().String()[:8]}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWavefront(ctx, op, []task.Task{t})
	}()
}

// Wait blocks until every submitted operation, and everything it spawned,
// has retired. The returned error is non-nil if any task failed with
// ReportError() true.
func (e *Executor) Wait() (Result, error) {
	e.wg.Wait()

	res := Result{
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Deferred:  e.deferred.Load(),
	}
	e.log.Info("run complete",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"deferred", res.Deferred,
	)

	if e.reportFailed.Load() {
		return res, fmt.Errorf("%d of %d tasks failed", res.Failed, res.Succeeded+res.Failed)
	}
	return res, nil
}

// runWavefront runs one group of mutually independent tasks and blocks until
// each member, and every wavefront it transitively spawned, has retired.
func (e *Executor) runWavefront(ctx context.Context, op *operation, tasks []task.Task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task.Task) {
			defer wg.Done()
			e.runTask(ctx, op, t)
		}(t)
	}
	wg.Wait()
}

func (e *Executor) runTask(ctx context.Context, op *operation, t task.Task) {
	name := taskName(t)
	correlationID := logging.GenerateCorrelationID()
	log := e.log.With("operation", op.id, "task", name, "correlation_id", correlationID)
	rt := &task.Runtime{Log: log, Sink: e.sink}

	key := t.ParallelProcessingKey()
	if key != nil {
		if err := e.acquireKey(ctx, key, name); err != nil {
			e.retire(op, t, rt, err, nil, log)
			return
		}
	}

	sem := e.ioSem
	if t.Pool() == task.PoolCPU {
		sem = e.cpuSem
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		e.retire(op, t, rt, err, nil, log)
		if key != nil {
			e.releaseKey(key)
		}
		return
	}

	if m := metrics.Get(); m != nil {
		m.InFlightTasks.Inc()
	}
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventStart, TaskName: name})
	start := time.Now()

	out, err := t.Execute(ctx, rt)

	elapsed := time.Since(start)
	sem.Release(1)
	if m := metrics.Get(); m != nil {
		m.InFlightTasks.Dec()
		m.TaskDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}

	e.retire(op, t, rt, err, out, log)

	// The task has retired, so the key must be handed over before the spawned
	// wavefronts run: a follow-on task may share it (a compose or finalize
	// step keyed on the same destination as its ancestor), and this goroutine
	// blocks until those wavefronts drain.
	if key != nil {
		e.releaseKey(key)
	}

	if err != nil || out == nil {
		return
	}

	for _, dep := range out.Dependencies {
		e.Dependent(dep.Producer, dep.Consumer)
	}

	// Follow-on wavefronts, strictly ordered; a fatal error observed at any
	// boundary stops the remainder.
	for _, group := range out.AdditionalTaskGroups {
		if op.fatal.Load() {
			log.Warn("skipping remaining wavefronts after fatal error")
			return
		}
		e.runWavefront(ctx, op, group)
	}
}

// retire routes the task's messages, records its outcome, and fires the exit
// handler exactly once.
func (e *Executor) retire(op *operation, t task.Task, rt *task.Runtime, err error, out *task.Output, log *slog.Logger) {
	name := taskName(t)

	if out != nil {
		e.routeMessages(op, t, out.Messages)
	}

	if err != nil {
		var fatal *task.FatalError
		if errors.As(err, &fatal) {
			op.fatal.Store(true)
		}

		e.failed.Add(1)
		if t.ReportError() {
			e.reportFailed.Store(true)
			log.Error("task failed", "error", err)
		} else {
			log.Warn("task failed (not reported)", "error", err)
		}
		if m := metrics.Get(); m != nil {
			m.TasksFailed.WithLabelValues(name).Inc()
		}
		rt.Publish(task.Event{Time: time.Now(), Kind: task.EventError, TaskName: name, Err: err})
	} else {
		e.succeeded.Add(1)
		if m := metrics.Get(); m != nil {
			m.TasksSucceeded.WithLabelValues(name).Inc()
		}
		rt.Publish(task.Event{Time: time.Now(), Kind: task.EventDone, TaskName: name})
	}

	t.ExitHandler(err, rt)
}

// routeMessages delivers output messages to every registered dependent and
// reacts to control topics.
func (e *Executor) routeMessages(op *operation, producer task.Task, msgs []task.Message) {
	if len(msgs) == 0 {
		return
	}

	e.mu.Lock()
	dependents := e.deps[producer]
	delete(e.deps, producer)
	e.mu.Unlock()

	for _, msg := range msgs {
		if msg.Topic == task.TopicFatalError {
			op.fatal.Store(true)
		}
		for _, d := range dependents {
			d.DeliverMessage(msg)
		}
	}
}

// acquireKey claims the parallel processing key, deferring (FIFO) behind any
// in-flight holder. A deferred task is requeued, never dropped.
func (e *Executor) acquireKey(ctx context.Context, key any, name string) error {
	e.mu.Lock()
	if _, busy := e.inflight[key]; !busy {
		e.inflight[key] = struct{}{}
		e.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	e.waiters[key] = append(e.waiters[key], ch)
	e.mu.Unlock()

	e.deferred.Add(1)
	if m := metrics.Get(); m != nil {
		m.TasksDeferred.WithLabelValues(name).Inc()
	}
	e.log.Debug("task deferred on busy key", "task", name, "key", fmt.Sprint(key))

	select {
	case <-ch:
		// Ownership handed over by the previous holder.
		return nil
	case <-ctx.Done():
		e.abandonWaiter(key, ch)
		return ctx.Err()
	}
}

// releaseKey hands the key to the oldest waiter, or clears it.
func (e *Executor) releaseKey(key any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ws := e.waiters[key]; len(ws) > 0 {
		next := ws[0]
		if len(ws) == 1 {
			delete(e.waiters, key)
		} else {
			e.waiters[key] = ws[1:]
		}
		close(next)
		return
	}
	delete(e.inflight, key)
}

func (e *Executor) abandonWaiter(key any, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ws := e.waiters[key]
	for i, w := range ws {
		if w == ch {
			e.waiters[key] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
	// Handoff raced with cancellation: the key is ours, release it so the
	// next waiter (or new submissions) can proceed.
	select {
	case <-ch:
		if next := e.waiters[key]; len(next) > 0 {
			w := next[0]
			if len(next) == 1 {
				delete(e.waiters, key)
			} else {
				e.waiters[key] = next[1:]
			}
			close(w)
		} else {
			delete(e.inflight, key)
		}
	default:
	}
}

func taskName(t task.Task) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", t), "*")
}
