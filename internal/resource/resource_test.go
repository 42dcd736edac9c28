package resource

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/joeycumines/framesync/internal/actionqueue"
	"github.com/joeycumines/framesync/internal/affinity"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNative struct {
	mu        sync.Mutex
	destroyed int
	desc      gpu.TextureDescriptor
}

func (f *fakeNative) Descriptor() gpu.TextureDescriptor { return f.desc }

func (f *fakeNative) Destroy() {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
}

func (f *fakeNative) Destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func factoryFor(n *fakeNative) Factory {
	return func(ID) (gpu.NativeHandle, error) { return n, nil }
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *actionqueue.Queue) {
	t.Helper()
	q := actionqueue.New("removals")
	return NewRegistry(q, append([]Option{WithOwner(affinity.NewOwner())}, opts...)...), q
}

func TestResource_CopyRelease(t *testing.T) {
	t.Parallel()

	n := &fakeNative{desc: gpu.DefaultTextureDescriptor(2, 2, gputypes.TextureFormatRGBA8Unorm)}
	r := New(7, n)
	c := r.Copy()
	assert.Equal(t, 2, r.Refs())
	assert.Equal(t, ID(7), c.ID())
	assert.Same(t, r.Native(), c.Native())
	assert.Equal(t, uint32(2), c.Descriptor().Width)

	assert.True(t, r.Release())
	assert.False(t, r.Release(), "release is idempotent per holder")
	assert.Equal(t, 0, n.Destroyed())
	assert.Equal(t, 1, c.Refs())

	assert.True(t, c.Release())
	assert.Equal(t, 1, n.Destroyed())
	assert.Panics(t, func() { c.Copy() })
}

func TestResource_ConcurrentHolders(t *testing.T) {
	t.Parallel()

	n := &fakeNative{}
	r := New(1, n)
	copies := make([]*Resource, 50)
	for i := range copies {
		copies[i] = r.Copy()
	}
	var wg sync.WaitGroup
	for _, c := range copies {
		wg.Add(2)
		go func() { defer wg.Done(); c.Release() }()
		go func() { defer wg.Done(); c.Release() }()
	}
	wg.Wait()
	assert.Equal(t, 0, n.Destroyed())
	r.Release()
	assert.Equal(t, 1, n.Destroyed())
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	t.Parallel()

	m, err := telemetry.New(nil)
	require.NoError(t, err)
	reg, _ := newTestRegistry(t, WithMetrics(m))

	first, second := &fakeNative{}, &fakeNative{}
	require.NoError(t, reg.Create(1, factoryFor(first)))
	assert.Equal(t, StateRegistered, reg.State(1))

	called := false
	err = reg.Create(1, func(ID) (gpu.NativeHandle, error) {
		called = true
		return second, nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrDuplicateResource)
	var dup *DuplicateResourceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, ID(1), dup.ID)
	assert.Equal(t, StateRegistered, dup.State)

	got, ok := reg.Lookup(1)
	require.True(t, ok)
	assert.Same(t, first, got.Native())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourceCreateErrors.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourcesLive))
}

func TestRegistry_CreateReservesIDWhileFactoryRuns(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	var inner error
	require.NoError(t, reg.Create(5, func(ID) (gpu.NativeHandle, error) {
		assert.Equal(t, StateCreating, reg.State(5))
		_, ok := reg.Lookup(5)
		assert.False(t, ok)
		assert.Empty(t, reg.IDs())
		inner = reg.Create(5, factoryFor(&fakeNative{}))
		return &fakeNative{}, nil
	}))
	var dup *DuplicateResourceError
	require.True(t, errors.As(inner, &dup))
	assert.Equal(t, StateCreating, dup.State)
}

func TestRegistry_FactoryFailureRollsBack(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	boom := errors.New("no memory")

	err := reg.Create(3, func(ID) (gpu.NativeHandle, error) { return nil, boom })
	require.ErrorIs(t, err, ErrResourceFactory)
	require.ErrorIs(t, err, boom)
	var fe *FactoryError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ID(3), fe.ID)
	assert.Equal(t, StateUnknown, reg.State(3))

	err = reg.Create(3, func(ID) (gpu.NativeHandle, error) { panic("driver crashed") })
	require.ErrorIs(t, err, ErrResourceFactory)
	assert.Contains(t, err.Error(), "driver crashed")

	err = reg.Create(3, func(ID) (gpu.NativeHandle, error) { return nil, nil })
	require.ErrorIs(t, err, ErrResourceFactory)

	require.NoError(t, reg.Create(3, factoryFor(&fakeNative{})))
	assert.Equal(t, []ID{3}, reg.IDs())
}

func TestRegistry_DestroyIsDeferredAndIdempotent(t *testing.T) {
	t.Parallel()

	reg, q := newTestRegistry(t)
	n := &fakeNative{}
	require.NoError(t, reg.Create(1, factoryFor(n)))

	var removed []ID
	reg.OnRemoved(func(id ID) { removed = append(removed, id) })

	assert.True(t, reg.Destroy(1))
	assert.False(t, reg.Destroy(1))
	assert.False(t, reg.Destroy(99))
	assert.Equal(t, 1, q.Len())

	// still present until the removal runs
	assert.Equal(t, StatePendingRemoval, reg.State(1))
	res, ok := reg.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, 0, n.Destroyed())
	assert.False(t, reg.MarkPublished(1))

	var dup *DuplicateResourceError
	require.True(t, errors.As(reg.Create(1, factoryFor(&fakeNative{})), &dup))
	assert.Equal(t, StatePendingRemoval, dup.State)

	count, err := q.DrainAndExecuteAll()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, n.Destroyed())
	assert.True(t, res.Released())
	assert.Equal(t, StateDestroyed, reg.State(1))
	assert.Equal(t, []ID{1}, removed)
	assert.Equal(t, 0, reg.Len())

	// a second drain has nothing left to free
	count, err = q.DrainAndExecuteAll()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 1, n.Destroyed())
}

func TestRegistry_RemovalKeepsOutstandingCopies(t *testing.T) {
	t.Parallel()

	reg, q := newTestRegistry(t)
	n := &fakeNative{}
	require.NoError(t, reg.Create(1, factoryFor(n)))
	res, _ := reg.Lookup(1)
	held := res.Copy()

	reg.Destroy(1)
	_, err := q.DrainAndExecuteAll()
	require.NoError(t, err)
	assert.Equal(t, 0, n.Destroyed())

	held.Release()
	assert.Equal(t, 1, n.Destroyed())
}

func TestRegistry_RecreateAfterRemoval(t *testing.T) {
	t.Parallel()

	reg, q := newTestRegistry(t)
	oldN, newN := &fakeNative{}, &fakeNative{}
	require.NoError(t, reg.Create(1, factoryFor(oldN)))
	reg.Destroy(1)
	_, err := q.DrainAndExecuteAll()
	require.NoError(t, err)

	require.NoError(t, reg.Create(1, factoryFor(newN)))
	assert.Equal(t, StateRegistered, reg.State(1))
	assert.True(t, reg.MarkPublished(1))
	assert.Equal(t, StatePublished, reg.State(1))
	assert.True(t, reg.MarkPublished(1))
	assert.Equal(t, 0, newN.Destroyed())
}

func TestRegistry_IDsSorted(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	for _, id := range []ID{3, 1, 2} {
		require.NoError(t, reg.Create(id, factoryFor(&fakeNative{})))
	}
	assert.Equal(t, []ID{1, 2, 3}, reg.IDs())
	assert.Equal(t, 3, reg.Len())
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	reg, q := newTestRegistry(t)
	a, b := &fakeNative{}, &fakeNative{}
	require.NoError(t, reg.Create(1, factoryFor(a)))
	require.NoError(t, reg.Create(2, factoryFor(b)))
	reg.Destroy(2)

	var removed []ID
	reg.OnRemoved(func(id ID) { removed = append(removed, id) })

	reg.Close()
	reg.Close()
	assert.Equal(t, 1, a.Destroyed())
	assert.Equal(t, 1, b.Destroyed())

	// the queued removal is harmless
	_, err := q.DrainAndExecuteAll()
	require.NoError(t, err)
	assert.Equal(t, 1, b.Destroyed())
	assert.Empty(t, removed)

	assert.ErrorIs(t, reg.Create(9, factoryFor(&fakeNative{})), ErrRegistryClosed)
}

func TestRegistry_OffThreadPanics(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	got := make(chan any, 1)
	go func() {
		defer func() { got <- recover() }()
		reg.Destroy(1)
	}()
	err, ok := (<-got).(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, affinity.ErrThreadAffinity)
	assert.Contains(t, err.Error(), "Registry.Destroy")
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pending-removal", StatePendingRemoval.String())
	assert.Equal(t, "unknown", State(42).String())
}
