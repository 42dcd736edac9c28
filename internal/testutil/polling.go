// Package testutil holds polling helpers for tests that observe work settled
// on another goroutine.
package testutil

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds a wait when the caller passes zero.
	DefaultTimeout = 2 * time.Second
	// DefaultInterval is the polling interval when the caller passes zero.
	DefaultInterval = 5 * time.Millisecond
)

// Poll checks condition until it returns true, the timeout expires or ctx is
// done.
func Poll(ctx context.Context, condition func() bool, timeout, interval time.Duration) error {
	_, err := WaitForState(ctx, condition, func(ok bool) bool { return ok }, timeout, interval)
	return err
}

// WaitForState reads getter until predicate accepts its value and returns
// that value. On timeout the error includes the last value read.
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout, interval time.Duration) (T, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state := getter()
		if predicate(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-deadline.C:
			var zero T
			return zero, fmt.Errorf("timeout after %v waiting for target state (last: %v)", timeout, state)
		case <-ticker.C:
		}
	}
}
