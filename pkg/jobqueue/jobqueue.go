// Package jobqueue implements the per-collection single-consumer async
// task queue (spec.md C1): an unbounded thread-safe FIFO drained by one
// background worker, so that bundle scans, index passes, and recommend
// builds for a collection never run concurrently with each other.
package jobqueue

import (
	"context"
	"sync"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task is an opaque unit of work tagged with the collection it belongs
// to, for log correlation and metrics labeling.
type Task struct {
	ID             string
	CollectionName string
	Run            func(ctx context.Context) error
}

// NewTask wraps fn as a Task for collection, assigning it a fresh id.
func NewTask(collection string, fn func(ctx context.Context) error) Task {
	return Task{
		ID:             uuid.New().String(),
		CollectionName: collection,
		Run:            fn,
	}
}

// Queue is a single-consumer FIFO. Add is safe to call concurrently
// from any number of producers; exactly one goroutine drains it.
type Queue struct {
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   []Task
	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a task queue. Start must be called before Add has any
// effect on processing.
func New() *Queue {
	return &Queue{
		logger: log.WithComponent("jobqueue"),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Calling Start twice panics.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		panic("jobqueue: Start called twice")
	}
	q.started = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop signals the consumer to exit once its current task (if any)
// finishes. Unstarted queued tasks are discarded. Stop blocks until the
// consumer has exited.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// Add enqueues a task. It never blocks.
func (q *Queue) Add(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.JobQueueDepth.WithLabelValues(t.CollectionName).Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	metrics.JobQueueDepth.WithLabelValues(t.CollectionName).Set(float64(len(q.tasks)))
	return t, true
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)
	for {
		for {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			t, ok := q.pop()
			if !ok {
				break
			}
			q.execute(ctx, t)
		}

		select {
		case <-q.notify:
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// execute runs a task and guarantees a panic inside it never kills the
// worker goroutine, matching the contract that one bad task must not
// terminate the queue.
func (q *Queue) execute(ctx context.Context, t Task) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			q.logger.Error().
				Str("task_id", t.ID).
				Str("collection", t.CollectionName).
				Interface("recover", r).
				Msg("task panicked")
		}
		metrics.JobsTotal.WithLabelValues(t.CollectionName, outcome).Inc()
	}()

	if err := t.Run(ctx); err != nil {
		outcome = "error"
		q.logger.Error().
			Err(err).
			Str("task_id", t.ID).
			Str("collection", t.CollectionName).
			Msg("task failed")
	}
}

// Len reports the current queue depth, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
