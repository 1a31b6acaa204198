package engine

import (
	"sync/atomic"
	"time"

	"github.com/seantiz/txexec/internal/model"
)

const defaultTaskName = "task"

// Task binds work to its tracker. A task runs at most once.
type Task struct {
	id        string
	name      string
	work      Work
	userTx    bool
	tracker   *Tracker
	createdAt time.Time
	started   atomic.Bool

	// onFinish is set by the runner that dispatches the task.
	onFinish func(model.WorkStatus, error)
}

// TaskOption customises a Task.
type TaskOption func(*Task)

// WithUserTransaction hands the work a *persistence.UserTransaction to drive
// itself instead of running it inside an engine-managed transaction.
func WithUserTransaction() TaskOption {
	return func(t *Task) { t.userTx = true }
}

// NewTask creates a pending task. The name is only used in logs and the journal.
func NewTask(name string, work Work, opts ...TaskOption) (*Task, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if name == "" {
		name = defaultTaskName
	}
	t := &Task{
		id:        model.NewID(),
		name:      name,
		work:      work,
		tracker:   NewTracker(),
		createdAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// UserTransaction reports whether the work manages its own transaction.
func (t *Task) UserTransaction() bool { return t.userTx }

// Status returns the current task status.
func (t *Task) Status() model.WorkStatus { return t.tracker.Status() }

// CreatedAt returns when the task was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// finish moves the task to its terminal status and then tells the
// dispatching runner.
func (t *Task) finish(s model.WorkStatus, err error) error {
	if ferr := t.tracker.Finish(s, err); ferr != nil {
		return ferr
	}
	if t.onFinish != nil {
		t.onFinish(s, err)
	}
	return nil
}

// Outcome is the result of running a task's work.
type Outcome struct {
	Success bool
	Err     error
}

// Status maps the outcome to the terminal task status.
func (o Outcome) Status() model.WorkStatus {
	if o.Err == nil && o.Success {
		return model.StatusFinished
	}
	return model.StatusFailed
}

// label names the outcome for metrics and logs.
func (o Outcome) label() string {
	switch {
	case o.Err != nil:
		return outcomeError
	case o.Success:
		return outcomeSuccess
	default:
		return outcomeBusinessFailure
	}
}

// Executable returns the caller's view of the task.
func (t *Task) Executable() *Executable { return &Executable{task: t} }
