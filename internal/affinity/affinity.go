// Package affinity pins components to the goroutine that is allowed to
// drive them.
//
// The render thread and the script loop are both single goroutines. State
// owned by one of them (the frame controller, the resource registry, the
// deferred action drains) is never locked; instead every entry point asserts
// that it is running on the owning goroutine. A failed assertion is a caller
// bug, so it panics with a *ViolationError rather than returning an error.
//
// Build with -tags debug to capture the offending stack in the panic value.
package affinity

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrThreadAffinity is matched (via errors.Is) by every *ViolationError.
var ErrThreadAffinity = errors.New("thread affinity violation")

// ViolationError describes a call made off the owning goroutine.
type ViolationError struct {
	// Op names the operation that was invoked.
	Op string
	// Owner is the goroutine the operation is bound to.
	Owner int64
	// Caller is the goroutine that invoked it.
	Caller int64
	// Stack is only populated in debug builds.
	Stack []byte
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("thread affinity violation: %s called from goroutine %d, owner is goroutine %d", e.Op, e.Caller, e.Owner)
	if len(e.Stack) > 0 {
		msg += "\nStack:\n" + string(e.Stack)
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return ErrThreadAffinity }

var stackBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 64)
	},
}

// Current returns the id of the calling goroutine, or 0 if it cannot be
// determined.
func Current() int64 {
	buf := stackBufPool.Get().([]byte)
	defer func() {
		//lint:ignore SA6002 []byte is pointer-like (slice header contains pointer)
		stackBufPool.Put(buf)
	}()
	n := runtime.Stack(buf, false)
	return parseGoroutineID(buf[:n])
}

// parseGoroutineID reads the id out of a "goroutine N [state]:" header. It
// works in place on the buffer and does not allocate.
func parseGoroutineID(stack []byte) int64 {
	const prefix = "goroutine "
	if len(stack) <= len(prefix) || string(stack[:len(prefix)]) != prefix {
		return 0
	}
	var id int64
	for _, b := range stack[len(prefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}

// Owner records which goroutine may drive a component. The zero value is
// unbound, and an unbound Owner accepts every caller.
type Owner struct {
	id atomic.Int64
}

// NewOwner returns an Owner bound to the calling goroutine.
func NewOwner() *Owner {
	o := new(Owner)
	o.Bind()
	return o
}

// Bind binds the owner to the calling goroutine.
func (o *Owner) Bind() {
	o.id.Store(Current())
}

// BindTo binds the owner to an explicit goroutine id.
func (o *Owner) BindTo(id int64) {
	o.id.Store(id)
}

// ID returns the bound goroutine id, 0 when unbound.
func (o *Owner) ID() int64 {
	return o.id.Load()
}

// Bound reports whether the owner has been bound.
func (o *Owner) Bound() bool {
	return o.id.Load() != 0
}

// IsCurrent reports whether the caller is the owning goroutine. Unbound
// owners (and nil owners) report true.
func (o *Owner) IsCurrent() bool {
	if o == nil {
		return true
	}
	owner := o.id.Load()
	return owner == 0 || owner == Current()
}

// Assert panics with a *ViolationError if the caller is not the owning
// goroutine. A nil or unbound owner never panics.
func (o *Owner) Assert(op string) {
	if o == nil {
		return
	}
	owner := o.id.Load()
	if owner == 0 {
		return
	}
	caller := Current()
	if caller == owner {
		return
	}
	v := &ViolationError{Op: op, Owner: owner, Caller: caller}
	if captureStacks {
		buf := make([]byte, 8192)
		v.Stack = buf[:runtime.Stack(buf, false)]
	}
	panic(v)
}
