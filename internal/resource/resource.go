// Package resource tracks externally owned GPU resources by caller-assigned
// id and governs when they may be destroyed.
//
// A Resource is a holder of a shared native object. Copy makes another
// holder of the same object, and the object is destroyed when the last
// holder releases. The Registry is one holder; script-side handles and other
// consumers take their own copies, so nothing ever points back into the
// Registry.
package resource

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/framesync/internal/gpu"
)

// ID identifies a resource. Ids are chosen by the caller and may be reused
// once the previous resource with that id has been removed.
type ID int64

type shared struct {
	native gpu.NativeHandle
	refs   atomic.Int32
}

// Resource is one holder of a shared native GPU object.
type Resource struct {
	id       ID
	s        *shared
	released atomic.Bool
}

// New wraps native in a first holder.
func New(id ID, native gpu.NativeHandle) *Resource {
	s := &shared{native: native}
	s.refs.Store(1)
	return &Resource{id: id, s: s}
}

func (r *Resource) ID() ID { return r.id }

// Native returns the shared native object. It must not be used after the
// holder is released.
func (r *Resource) Native() gpu.NativeHandle { return r.s.native }

func (r *Resource) Descriptor() gpu.TextureDescriptor { return r.s.native.Descriptor() }

// Refs returns the number of live holders of the native object.
func (r *Resource) Refs() int { return int(r.s.refs.Load()) }

// Released reports whether this holder has been released.
func (r *Resource) Released() bool { return r.released.Load() }

// Copy returns a new holder of the same native object. Copying a released
// holder is a use-after-free and panics.
func (r *Resource) Copy() *Resource {
	if r.released.Load() {
		panic(fmt.Sprintf("resource %d: copy of released holder", r.id))
	}
	r.s.refs.Add(1)
	return &Resource{id: r.id, s: r.s}
}

// Release drops this holder. The native object is destroyed when the last
// holder is released. Repeated calls on the same holder are no-ops; the
// return value reports whether this call did the release.
func (r *Resource) Release() bool {
	if !r.released.CompareAndSwap(false, true) {
		return false
	}
	if r.s.refs.Add(-1) == 0 {
		r.s.native.Destroy()
	}
	return true
}
