package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateResource is matched by *DuplicateResourceError.
	ErrDuplicateResource = errors.New("duplicate resource")
	// ErrResourceFactory is matched by *FactoryError.
	ErrResourceFactory = errors.New("resource factory failed")
	// ErrRegistryClosed is returned by Create after Close.
	ErrRegistryClosed = errors.New("resource registry closed")
)

// DuplicateResourceError is returned when creating an id that is still held.
type DuplicateResourceError struct {
	ID    ID
	State State
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %d already exists (%s)", e.ID, e.State)
}

func (e *DuplicateResourceError) Is(target error) bool { return target == ErrDuplicateResource }

// FactoryError wraps a failure of the factory passed to Create. The
// registry slot for the id has been rolled back.
type FactoryError struct {
	ID  ID
	Err error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("creating resource %d: %v", e.ID, e.Err)
}

func (e *FactoryError) Is(target error) bool { return target == ErrResourceFactory }

func (e *FactoryError) Unwrap() error { return e.Err }
