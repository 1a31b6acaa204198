package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrNilWork is returned when a task is created or started without work.
	ErrNilWork = errors.New("work must not be nil")
	// ErrTaskAlreadyStarted is returned when a task is executed a second time.
	ErrTaskAlreadyStarted = errors.New("task already started")
	// ErrDispatchRejected is delivered to OnRollback when the runner no longer accepts tasks.
	ErrDispatchRejected = errors.New("task rejected: runner is shut down")
	// ErrInvalidTransition is returned when a tracker is asked to make an illegal status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PersistenceError wraps a panic raised by task work.
type PersistenceError struct {
	Cause error
	Stack []byte
}

func newPersistenceError(recovered any) *PersistenceError {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}
	return &PersistenceError{Cause: cause, Stack: debug.Stack()}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %v", e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
