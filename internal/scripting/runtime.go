// Package scripting hosts the script thread: a goja VM owned by a
// goja_nodejs event loop.
//
// goja.Runtime is not goroutine-safe. Every access goes through the loop
// (Post, RunOnLoop, RunOnLoopSync), and promises are only resolved or
// rejected from loop callbacks.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/framesync/internal/affinity"
)

// DefaultSyncTimeout is the maximum duration to wait for RunOnLoopSync operations.
const DefaultSyncTimeout = 5 * time.Second

var (
	// ErrNotRunning is returned when the loop has not started or has stopped.
	ErrNotRunning = errors.New("scripting: event loop not running")
	// ErrStopped is returned when the runtime stops while a call waits.
	ErrStopped = errors.New("scripting: runtime stopped before completion")
	// ErrTimeout is matched by RunOnLoopSync timeouts.
	ErrTimeout = errors.New("scripting: operation timed out")
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	registry *require.Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// WithRegistry shares an existing require.Registry, so native modules can be
// registered before the loop starts.
func WithRegistry(r *require.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger routes script console output to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSyncTimeout overrides DefaultSyncTimeout. Zero disables the timeout.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Runtime is the script thread.
//
//	rt, err := NewRuntime(ctx)
//	if err != nil { ... }
//	defer rt.Close()
//
//	err = rt.RunOnLoopSync(func(vm *goja.Runtime) error {
//	    _, err := vm.RunString("console.log('hello')")
//	    return err
//	})
type Runtime struct {
	loop     *eventloop.EventLoop
	registry *require.Registry
	logger   *slog.Logger

	// owner is bound to the loop goroutine once it is running.
	owner *affinity.Owner

	mu      sync.RWMutex
	timeout time.Duration
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime starts an event loop. Cancelling ctx closes the runtime; Close
// does too.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{timeout: DefaultSyncTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = require.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	o.registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&slogPrinter{
		logger: o.logger.With(slog.String("source", "script")),
	}))

	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(o.registry),
		eventloop.EnableConsole(true),
	)

	// independent of ctx so Close can cancel it after ctx is long gone
	childCtx, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		loop:     loop,
		registry: o.registry,
		logger:   o.logger,
		owner:    new(affinity.Owner),
		timeout:  o.timeout,
		ctx:      childCtx,
		cancel:   cancel,
	}

	loop.Start()
	rt.mu.Lock()
	rt.started = true
	rt.mu.Unlock()

	bound := make(chan struct{})
	if !loop.RunOnLoop(func(*goja.Runtime) {
		rt.owner.Bind()
		close(bound)
	}) {
		cancel()
		return nil, fmt.Errorf("failed to initialize: %w", ErrNotRunning)
	}
	<-bound

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = rt.Close()
		})
	}
	return rt, nil
}

// Registry returns the require.Registry for module registration. Modules
// must be registered before a script requires them.
func (rt *Runtime) Registry() *require.Registry {
	return rt.registry
}

// EventLoop exposes the underlying loop. Prefer the Runtime methods.
func (rt *Runtime) EventLoop() *eventloop.EventLoop {
	return rt.loop
}

// Owner is bound to the loop goroutine.
func (rt *Runtime) Owner() *affinity.Owner {
	return rt.owner
}

// OnLoop reports whether the caller is the loop goroutine.
func (rt *Runtime) OnLoop() bool {
	return rt.owner.Bound() && rt.owner.IsCurrent()
}

// Close stops the loop, letting queued jobs finish first. It is safe to
// call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	// unblock Done waiters before the loop drains
	rt.cancel()
	rt.loop.Stop()
	return nil
}

// Done is closed when the runtime stops.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

func (rt *Runtime) IsRunning() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.started && !rt.stopped
}

// SetTimeout sets the RunOnLoopSync timeout. Zero disables it.
func (rt *Runtime) SetTimeout(timeout time.Duration) {
	rt.mu.Lock()
	rt.timeout = timeout
	rt.mu.Unlock()
}

func (rt *Runtime) GetTimeout() time.Duration {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.timeout
}

// RunOnLoop schedules fn on the loop. It returns false if the loop is not
// running. The *goja.Runtime must not escape fn.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	rt.mu.RLock()
	if !rt.started || rt.stopped {
		rt.mu.RUnlock()
		return false
	}
	rt.mu.RUnlock()

	return rt.loop.RunOnLoop(fn)
}

// Post schedules fn on the loop, FIFO with every other scheduled job.
func (rt *Runtime) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	return rt.RunOnLoop(func(*goja.Runtime) { fn() })
}

// RunOnLoopSync schedules fn and waits for it, bounded by the sync timeout.
// Called from the loop itself it deadlocks until the timeout; use
// TryRunOnLoopSync where that can happen.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	rt.mu.RLock()
	if !rt.started || rt.stopped {
		rt.mu.RUnlock()
		return ErrNotRunning
	}
	timeout := rt.timeout
	rt.mu.RUnlock()

	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- fn(vm)
	}) {
		return ErrNotRunning
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return ErrStopped
	case <-expired:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// TryRunOnLoopSync runs fn directly with currentVM when called on the loop
// goroutine, and behaves like RunOnLoopSync otherwise.
func (rt *Runtime) TryRunOnLoopSync(currentVM *goja.Runtime, fn func(*goja.Runtime) error) error {
	if !rt.IsRunning() {
		return ErrNotRunning
	}
	if currentVM != nil && rt.OnLoop() {
		return fn(currentVM)
	}
	return rt.RunOnLoopSync(fn)
}

// LoadScript compiles and runs code under name.
func (rt *Runtime) LoadScript(name, code string) error {
	return rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		prg, err := goja.Compile(name, code, true)
		if err != nil {
			return fmt.Errorf("failed to compile %s: %w", name, err)
		}
		if _, err := vm.RunProgram(prg); err != nil {
			return fmt.Errorf("failed to run %s: %w", name, err)
		}
		return nil
	})
}

func (rt *Runtime) SetGlobal(name string, value any) error {
	return rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		return vm.Set(name, value)
	})
}

// GetGlobal returns the exported value of a global, nil if it is unset.
func (rt *Runtime) GetGlobal(name string) (any, error) {
	var result any
	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		val := vm.Get(name)
		if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
			return nil
		}
		result = val.Export()
		return nil
	})
	return result, err
}

// slogPrinter is the console.Printer behind script console.* calls.
type slogPrinter struct {
	logger *slog.Logger
}

func (p *slogPrinter) Log(s string)   { p.logger.Info(s) }
func (p *slogPrinter) Warn(s string)  { p.logger.Warn(s) }
func (p *slogPrinter) Error(s string) { p.logger.Error(s) }
