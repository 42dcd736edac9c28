// Package renderthread runs the render thread: one goroutine, locked to its
// OS thread, executing posted tasks in order.
//
// GPU APIs bind contexts to OS threads, so everything that touches the
// device (frame boundaries, resource creation, deferred action drains) is
// posted here.
package renderthread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/joeycumines/framesync/internal/affinity"
)

// ErrClosed is returned when posting to a closed thread.
var ErrClosed = errors.New("renderthread: closed")

// Thread is a render thread.
type Thread struct {
	owner  *affinity.Owner
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	closing bool

	wake    chan struct{}
	started chan struct{}
	done    chan struct{}
}

// Start launches a render thread and returns once it is running.
func Start(logger *slog.Logger) *Thread {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Thread{
		owner:   new(affinity.Owner),
		logger:  logger,
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run()
	<-t.started
	return t
}

func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	t.owner.Bind()
	close(t.started)

	for {
		t.mu.Lock()
		batch := t.tasks
		t.tasks = nil
		closing := t.closing
		t.mu.Unlock()

		for _, fn := range batch {
			t.exec(fn)
		}
		if len(batch) != 0 {
			continue
		}
		if closing {
			return
		}
		<-t.wake
	}
}

func (t *Thread) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("render thread task panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Owner is bound to the render thread's goroutine.
func (t *Thread) Owner() *affinity.Owner { return t.owner }

// Post queues fn without waiting. It returns false once Close has begun.
func (t *Thread) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return false
	}
	t.tasks = append(t.tasks, fn)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the render thread and waits for its result. Called from
// the render thread itself, fn runs inline. A panic in fn is returned as an
// error.
func (t *Thread) Call(ctx context.Context, fn func() error) error {
	if t.owner.Bound() && t.owner.IsCurrent() {
		return callTask(fn)
	}
	errc := make(chan error, 1)
	if !t.Post(func() { errc <- callTask(fn) }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func callTask(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderthread: task panicked: %v", r)
		}
	}()
	return fn()
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Close stops accepting tasks, runs those already queued, and waits for the
// thread to exit. Called from the render thread it only stops intake.
func (t *Thread) Close() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	if t.owner.IsCurrent() {
		return
	}
	<-t.done
}
