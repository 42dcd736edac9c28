// Package publish hands resources created on the render thread to the
// script thread.
//
// A publication is requested from any goroutine and observed by an update
// action, which runs at the next frame boundary. Only then is the resource
// known to have been part of a completed frame, so only then is it copied
// and handed over. Settlement is marshaled to the script thread through a
// Dispatcher.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeycumines/framesync/internal/actionqueue"
	"github.com/joeycumines/framesync/internal/resource"
	"github.com/joeycumines/framesync/internal/telemetry"
)

var (
	// ErrResourceGone rejects a publication whose resource was removed, or
	// scheduled for removal, before it could be observed.
	ErrResourceGone = errors.New("publish: resource gone")
	// ErrClosed rejects publications outstanding when the publisher closes,
	// and resolutions that could not be delivered.
	ErrClosed = errors.New("publish: publisher closed")
	// ErrPending is returned by Awaitable.Result before settlement.
	ErrPending = errors.New("publish: publication pending")
)

// Dispatcher runs callbacks on the thread that owns the receiving side.
// Post returns false if the callback will never run.
type Dispatcher interface {
	Post(fn func()) bool
}

// Immediate is a Dispatcher that runs callbacks on the posting goroutine.
type Immediate struct{}

func (Immediate) Post(fn func()) bool {
	fn()
	return true
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher tracks pending publications.
type Publisher struct {
	registry   *resource.Registry
	updates    *actionqueue.Queue
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	pending map[*Awaitable]struct{}
	closed  bool
}

// New returns a publisher observing registry from actions on updates. A nil
// dispatcher settles inline.
func New(registry *resource.Registry, updates *actionqueue.Queue, dispatcher Dispatcher, opts ...Option) *Publisher {
	if dispatcher == nil {
		dispatcher = Immediate{}
	}
	p := &Publisher{
		registry:   registry,
		updates:    updates,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		pending:    make(map[*Awaitable]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishAsync requests publication of an existing resource. It is Reserve
// followed by Confirm.
func (p *Publisher) PublishAsync(id resource.ID, then func(*resource.Resource, error)) *Awaitable {
	a := p.Reserve(id, then)
	p.Confirm(a)
	return a
}

// Reserve creates a pending publication without scheduling it. It may be
// called from any goroutine, typically before the resource exists. Every
// reserved awaitable must be passed to Confirm or Reject.
//
// then, if non-nil, runs on the dispatcher when the publication settles and
// owns the resolved holder.
func (p *Publisher) Reserve(id resource.ID, then func(*resource.Resource, error)) *Awaitable {
	a := newAwaitable(id, then)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deliver(a, nil, ErrClosed)
		return a
	}
	p.pending[a] = struct{}{}
	p.mu.Unlock()
	return a
}

// Confirm schedules observation of a reserved publication at the next frame
// boundary.
func (p *Publisher) Confirm(a *Awaitable) {
	p.updates.Enqueue(func() error {
		p.observe(a)
		return nil
	})
}

// Reject settles a reserved publication with err, which is normally the
// error that prevented the resource from being created.
func (p *Publisher) Reject(a *Awaitable, err error) {
	if err == nil {
		err = ErrResourceGone
	}
	p.finish(a, nil, err)
}

// observe runs on the render thread during the update drain.
func (p *Publisher) observe(a *Awaitable) {
	switch state := p.registry.State(a.id); state {
	case resource.StateRegistered, resource.StatePublished:
		res, _ := p.registry.Lookup(a.id)
		p.registry.MarkPublished(a.id)
		p.finish(a, res.Copy(), nil)
	default:
		p.finish(a, nil, fmt.Errorf("%w: resource %d is %s", ErrResourceGone, a.id, state))
	}
}

func (p *Publisher) finish(a *Awaitable, res *resource.Resource, err error) {
	p.mu.Lock()
	_, ok := p.pending[a]
	delete(p.pending, a)
	p.mu.Unlock()
	if !ok {
		// settled by Close
		if res != nil {
			res.Release()
		}
		return
	}
	p.deliver(a, res, err)
}

func (p *Publisher) deliver(a *Awaitable, res *resource.Resource, err error) {
	posted := p.dispatcher.Post(func() {
		a.settle(res, err)
		p.metrics.PublicationSettled(err != nil)
		if a.then != nil {
			a.then(res, err)
		}
	})
	if posted {
		return
	}
	if res != nil {
		res.Release()
		res, err = nil, fmt.Errorf("%w: resource %d could not be delivered", ErrClosed, a.id)
	}
	a.settle(res, err)
	p.metrics.PublicationSettled(true)
	p.logger.Warn("publication settled without dispatcher", slog.Int64("resource_id", int64(a.id)), slog.Any("error", err))
}

// Pending returns the number of unsettled publications.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close rejects every outstanding publication with ErrClosed. Later
// reservations are rejected immediately.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	pending := p.pending
	p.pending = make(map[*Awaitable]struct{})
	p.mu.Unlock()

	for a := range pending {
		p.deliver(a, nil, ErrClosed)
	}
	if len(pending) > 0 {
		p.logger.Debug("rejected outstanding publications", slog.Int("count", len(pending)))
	}
}
