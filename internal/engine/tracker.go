package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/txexec/internal/model"
)

// Tracker holds the status of one task and releases waiters once it turns terminal.
type Tracker struct {
	mu     sync.Mutex
	status model.WorkStatus
	err    error
	done   chan struct{}
}

// NewTracker returns a tracker in the pending status.
func NewTracker() *Tracker {
	return &Tracker{
		status: model.StatusPending,
		done:   make(chan struct{}),
	}
}

// Status returns the current status.
func (t *Tracker) Status() model.WorkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus moves the tracker to s. The status is stored before waiters are
// released, and a terminal status is never left.
func (t *Tracker) SetStatus(s model.WorkStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !model.ValidTransition(t.status, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, s)
	}
	t.status = s
	if s.Terminal() {
		close(t.done)
	}
	return nil
}

// Finish moves the tracker to the terminal status s, recording err as the
// reason the task failed.
func (t *Tracker) Finish(s model.WorkStatus, err error) error {
	if !s.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, s)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !model.ValidTransition(t.status, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, s)
	}
	t.status = s
	t.err = err
	close(t.done)
	return nil
}

// Err returns the error recorded by Finish.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the status is terminal.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until the status is terminal.
func (t *Tracker) Wait() { <-t.done }

// Executable is the caller's read-only view of a dispatched task.
type Executable struct {
	task *Task
}

// ID returns the task id.
func (e *Executable) ID() string { return e.task.id }

// Name returns the task name.
func (e *Executable) Name() string { return e.task.name }

// Status returns the current task status. Once terminal it never changes.
func (e *Executable) Status() model.WorkStatus { return e.task.tracker.Status() }

// Err returns the error the task failed with. It is nil while the task runs,
// after success and after a business failure.
func (e *Executable) Err() error { return e.task.tracker.Err() }

// WaitForTask blocks until the task reaches a terminal status and returns
// at once if it already has.
func (e *Executable) WaitForTask() { e.task.tracker.Wait() }

// Wait is WaitForTask bounded by ctx.
func (e *Executable) Wait(ctx context.Context) error {
	select {
	case <-e.task.tracker.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task is terminal.
func (e *Executable) Done() <-chan struct{} { return e.task.tracker.Done() }
