package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
)

// DefaultWorkers is the number of tasks run concurrently when none is configured.
const DefaultWorkers = 4

// ManagerFactory opens the EntityManager a task runs with.
type ManagerFactory interface {
	Open(ctx context.Context, userTx bool) (*persistence.EntityManager, error)
}

// Observer is notified of task lifecycle changes. Observers must not block.
// TaskSubmitted runs on the goroutine calling Execute, TaskRunning and
// TaskProgress on the worker. TaskFinished runs on the delivery context once
// the task status is terminal and before the completion callback.
type Observer interface {
	TaskSubmitted(t *Task)
	TaskRunning(t *Task, at time.Time)
	TaskFinished(t *Task, status model.WorkStatus, err error, at time.Time)
	TaskProgress(t *Task, v any)
}

// Runner runs tasks on background goroutines, at most Workers at a time.
type Runner struct {
	factory   ManagerFactory
	messenger Messenger
	group     *syncs.SizedGroup
	observers []Observer
	logger    *slog.Logger

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// RunnerOption customises a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	workers   int
	observers []Observer
	logger    *slog.Logger
}

// WithWorkers bounds the number of tasks running at once.
func WithWorkers(n int) RunnerOption {
	return func(c *runnerConfig) { c.workers = n }
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) RunnerOption {
	return func(c *runnerConfig) { c.observers = append(c.observers, o) }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// NewRunner creates a runner opening managers with factory and delivering
// outcomes through m.
func NewRunner(factory ManagerFactory, m Messenger, opts ...RunnerOption) *Runner {
	cfg := runnerConfig{workers: DefaultWorkers, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	return &Runner{
		factory:   factory,
		messenger: m,
		group:     syncs.NewSizedGroup(cfg.workers),
		observers: cfg.observers,
		logger:    cfg.logger,
	}
}

// Execute schedules t and returns without waiting for it. Usage errors are
// returned synchronously. Once the runner is shut down the task is failed
// and its OnRollback receives ErrDispatchRejected.
func (r *Runner) Execute(t *Task) error {
	if t == nil || t.work == nil {
		return ErrNilWork
	}
	if !t.started.CompareAndSwap(false, true) {
		return ErrTaskAlreadyStarted
	}
	t.onFinish = func(s model.WorkStatus, err error) {
		r.notifyFinished(t, s, err, time.Now().UTC())
	}

	for _, o := range r.observers {
		o.TaskSubmitted(t)
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.reject(t)
		return nil
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	r.group.Go(func(ctx context.Context) {
		defer r.wg.Done()
		r.run(ctx, t)
	})
	return nil
}

// Shutdown stops accepting tasks and waits for running ones to deliver
// their outcome, or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of tasks currently running their work.
func (r *Runner) InFlight() int64 {
	return r.inFlight.Load()
}

func (r *Runner) reject(t *Task) {
	r.logger.Warn("task rejected", "task_id", t.id, "name", t.name)
	recordRejected()
	r.messenger.SendCancel(t, ErrDispatchRejected)
}

func (r *Runner) notifyRunning(t *Task, at time.Time) {
	for _, o := range r.observers {
		o.TaskRunning(t, at)
	}
}

func (r *Runner) notifyFinished(t *Task, status model.WorkStatus, err error, at time.Time) {
	for _, o := range r.observers {
		o.TaskFinished(t, status, err, at)
	}
}

func (r *Runner) progress(t *Task, v any) {
	for _, o := range r.observers {
		o.TaskProgress(t, v)
	}
	r.messenger.SendProgress(t, v)
}
