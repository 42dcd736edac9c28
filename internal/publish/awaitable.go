package publish

import (
	"context"
	"sync"

	"github.com/joeycumines/framesync/internal/resource"
)

// Awaitable is the Go side of a pending publication. It settles exactly
// once, with either a resource holder or an error.
type Awaitable struct {
	id   resource.ID
	then func(*resource.Resource, error)

	once sync.Once
	done chan struct{}
	res  *resource.Resource
	err  error
}

func newAwaitable(id resource.ID, then func(*resource.Resource, error)) *Awaitable {
	return &Awaitable{id: id, then: then, done: make(chan struct{})}
}

func (a *Awaitable) ID() resource.ID { return a.id }

// Done is closed once the awaitable has settled.
func (a *Awaitable) Done() <-chan struct{} { return a.done }

func (a *Awaitable) Settled() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Result returns the settlement, or ErrPending if there is none yet.
//
// The holder belongs to the then callback given to the publisher when there
// was one, and to the caller otherwise.
func (a *Awaitable) Result() (*resource.Resource, error) {
	select {
	case <-a.done:
		return a.res, a.err
	default:
		return nil, ErrPending
	}
}

// Await blocks until the awaitable settles or ctx is done.
func (a *Awaitable) Await(ctx context.Context) (*resource.Resource, error) {
	select {
	case <-a.done:
		return a.res, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Awaitable) settle(res *resource.Resource, err error) bool {
	settled := false
	a.once.Do(func() {
		a.res, a.err = res, err
		close(a.done)
		settled = true
	})
	return settled
}
