// Package actionqueue implements the deferred work queues drained at frame
// boundaries.
//
// Producers on any goroutine append closures; the render thread drains them.
// Draining swaps the backing slice out under the lock and executes the
// swapped batch outside it, so a slow action never blocks producers, and an
// action that enqueues more work lands in the next drain instead of the
// current one.
package actionqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeycumines/framesync/internal/affinity"
	"github.com/joeycumines/framesync/internal/telemetry"
)

// Action is a unit of deferred work.
type Action func() error

// ActionError reports one failed action within a drain.
type ActionError struct {
	Queue string
	// Position is the action's index within the drained batch.
	Position int
	// Panic holds the recovered value when the action panicked.
	Panic any
	Err   error
}

func (e *ActionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s queue: action %d panicked: %v", e.Queue, e.Position, e.Panic)
	}
	return fmt.Sprintf("%s queue: action %d failed: %v", e.Queue, e.Position, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Option configures a Queue.
type Option func(*Queue)

// WithOwner restricts DrainAndExecuteAll to the owner's goroutine.
func WithOwner(o *affinity.Owner) Option {
	return func(q *Queue) { q.owner = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a FIFO of deferred actions, safe for concurrent Enqueue.
type Queue struct {
	name    string
	mu      sync.Mutex
	actions []Action
	owner   *affinity.Owner
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New returns an empty queue. The name shows up in errors, logs and metrics.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("queue", name))
	return q
}

func (q *Queue) Name() string { return q.name }

// Enqueue appends a to the tail of the queue. A nil action is ignored.
func (q *Queue) Enqueue(a Action) {
	if a == nil {
		return
	}
	q.mu.Lock()
	q.actions = append(q.actions, a)
	q.mu.Unlock()
}

// Len returns the number of actions waiting for the next drain.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// DrainAndExecuteAll runs every action queued before the call, in order.
//
// A failing or panicking action does not stop the drain. The returned count
// includes failed actions; the returned error joins one *ActionError per
// failure.
func (q *Queue) DrainAndExecuteAll() (int, error) {
	q.owner.Assert(q.name + " queue drain")

	q.mu.Lock()
	batch := q.actions
	q.actions = nil
	q.mu.Unlock()

	var errs []error
	for i, a := range batch {
		batch[i] = nil
		if err := q.execute(i, a); err != nil {
			q.logger.Error("deferred action failed", slog.Int("position", i), slog.Any("error", err))
			errs = append(errs, err)
			q.metrics.ActionExecuted(q.name, true)
			continue
		}
		q.metrics.ActionExecuted(q.name, false)
	}
	return len(batch), errors.Join(errs...)
}

func (q *Queue) execute(pos int, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ae := &ActionError{Queue: q.name, Position: pos, Panic: r}
			if e, ok := r.(error); ok {
				ae.Err = e
			}
			err = ae
		}
	}()
	if e := a(); e != nil {
		return &ActionError{Queue: q.name, Position: pos, Err: e}
	}
	return nil
}
