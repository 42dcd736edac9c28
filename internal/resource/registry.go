package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/joeycumines/framesync/internal/actionqueue"
	"github.com/joeycumines/framesync/internal/affinity"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/telemetry"
)

// State is the lifecycle stage of an id.
type State int

const (
	// StateUnknown is reported for ids the registry has never held.
	StateUnknown State = iota
	// StateCreating holds the id while its factory runs.
	StateCreating
	StateRegistered
	// StatePublished means at least one publication observed the resource.
	StatePublished
	// StatePendingRemoval means a removal action is queued.
	StatePendingRemoval
	// StateDestroyed is reported for ids removed and not created again.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateRegistered:
		return "registered"
	case StatePublished:
		return "published"
	case StatePendingRemoval:
		return "pending-removal"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Factory creates the native object for id. It runs on the render thread.
type Factory func(id ID) (gpu.NativeHandle, error)

type entry struct {
	state State
	res   *Resource
}

// Option configures a Registry.
type Option func(*Registry)

// WithOwner binds every registry operation to the owner's goroutine.
func WithOwner(o *affinity.Owner) Option {
	return func(r *Registry) { r.owner = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps ids to resources. It is the only writer of its map, and all
// of its methods must be called on the render thread; the map is not locked.
//
// Destroy never frees anything directly. It queues a removal action on the
// removals queue, which the frame controller drains only once the GPU work
// that could reference the resource has been submitted.
type Registry struct {
	owner     *affinity.Owner
	removals  *actionqueue.Queue
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	entries   map[ID]*entry
	destroyed map[ID]struct{}
	listeners []func(ID)
	closed    bool
}

// NewRegistry returns an empty registry scheduling removals on removals.
func NewRegistry(removals *actionqueue.Queue, opts ...Option) *Registry {
	r := &Registry{
		removals:  removals,
		logger:    slog.Default(),
		entries:   make(map[ID]*entry),
		destroyed: make(map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create runs factory and registers its result under id.
//
// The id is reserved (StateCreating) while the factory runs. A held id
// yields a *DuplicateResourceError and the existing resource is untouched. A
// factory error or panic yields a *FactoryError and the reservation is
// dropped.
func (r *Registry) Create(id ID, factory Factory) error {
	r.owner.Assert("Registry.Create")
	if r.closed {
		return ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok {
		r.metrics.ResourceCreateFailed("duplicate")
		r.logger.Warn("duplicate resource", slog.Int64("resource_id", int64(id)), slog.String("state", e.state.String()))
		return &DuplicateResourceError{ID: id, State: e.state}
	}

	e := &entry{state: StateCreating}
	r.entries[id] = e

	native, err := callFactory(id, factory)
	if err == nil && native == nil {
		err = errors.New("factory returned no native handle")
	}
	if err != nil {
		delete(r.entries, id)
		r.metrics.ResourceCreateFailed("factory")
		r.logger.Error("resource factory failed", slog.Int64("resource_id", int64(id)), slog.Any("error", err))
		return &FactoryError{ID: id, Err: err}
	}

	e.res = New(id, native)
	e.state = StateRegistered
	delete(r.destroyed, id)
	r.metrics.ResourceCreated()
	r.logger.Debug("resource registered", slog.Int64("resource_id", int64(id)))
	return nil
}

func callFactory(id ID, factory Factory) (native gpu.NativeHandle, err error) {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(error); ok {
				err = fmt.Errorf("factory panicked: %w", e)
			} else {
				err = fmt.Errorf("factory panicked: %v", v)
			}
		}
	}()
	return factory(id)
}

// Destroy schedules removal of id. It reports whether a removal was
// scheduled; absent ids and ids already pending removal are no-ops.
func (r *Registry) Destroy(id ID) bool {
	r.owner.Assert("Registry.Destroy")
	e, ok := r.entries[id]
	if !ok || e.state == StatePendingRemoval || e.state == StateCreating {
		return false
	}
	e.state = StatePendingRemoval
	r.removals.Enqueue(func() error {
		r.remove(id, e)
		return nil
	})
	r.logger.Debug("resource removal scheduled", slog.Int64("resource_id", int64(id)))
	return true
}

func (r *Registry) remove(id ID, e *entry) {
	r.owner.Assert("Registry removal")
	if e.state == StateDestroyed {
		// released by Close
		return
	}
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
		r.destroyed[id] = struct{}{}
	}
	e.state = StateDestroyed
	e.res.Release()
	r.metrics.ResourceDestroyed()
	r.logger.Debug("resource removed", slog.Int64("resource_id", int64(id)), slog.Int("remaining_refs", e.res.Refs()))
	for _, fn := range r.listeners {
		fn(id)
	}
}

// Lookup returns the registry's own holder for id. The holder is borrowed:
// callers that keep it past the current render-thread task must Copy it.
// Entries pending removal are still returned; entries being created are not.
func (r *Registry) Lookup(id ID) (*Resource, bool) {
	r.owner.Assert("Registry.Lookup")
	e, ok := r.entries[id]
	if !ok || e.res == nil {
		return nil, false
	}
	return e.res, true
}

// State reports the lifecycle stage of id.
func (r *Registry) State(id ID) State {
	r.owner.Assert("Registry.State")
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	if _, ok := r.destroyed[id]; ok {
		return StateDestroyed
	}
	return StateUnknown
}

// MarkPublished moves a registered resource to StatePublished. It reports
// whether id is registered or already published.
func (r *Registry) MarkPublished(id ID) bool {
	r.owner.Assert("Registry.MarkPublished")
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	switch e.state {
	case StateRegistered:
		e.state = StatePublished
		return true
	case StatePublished:
		return true
	}
	return false
}

// IDs returns the held ids in ascending order, including those pending
// removal.
func (r *Registry) IDs() []ID {
	r.owner.Assert("Registry.IDs")
	ids := make([]ID, 0, len(r.entries))
	for id, e := range r.entries {
		if e.state != StateCreating {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	r.owner.Assert("Registry.Len")
	return len(r.entries)
}

// OnRemoved registers fn to run on the render thread after each removal.
func (r *Registry) OnRemoved(fn func(ID)) {
	r.owner.Assert("Registry.OnRemoved")
	if fn != nil {
		r.listeners = append(r.listeners, fn)
	}
}

// Close releases the registry's holder of every resource still held.
// Removal actions still queued become no-ops, and further creates fail.
func (r *Registry) Close() {
	r.owner.Assert("Registry.Close")
	if r.closed {
		return
	}
	r.closed = true
	for id, e := range r.entries {
		if e.res != nil && e.state != StateDestroyed {
			e.state = StateDestroyed
			e.res.Release()
			r.metrics.ResourceDestroyed()
		}
		delete(r.entries, id)
		r.destroyed[id] = struct{}{}
	}
}
