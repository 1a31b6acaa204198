// Package janitor periodically removes old task history. Pruning runs as an
// ordinary engine task, so it shares the engine's transaction handling.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
	"github.com/seantiz/txexec/internal/store"
)

const taskName = "janitor.prune"

// Executor runs work in the background.
type Executor interface {
	Execute(name string, work engine.Work, opts ...engine.TaskOption) (*engine.Executable, error)
}

// Pruner drops in-memory state kept for finished tasks.
type Pruner interface {
	PruneClosed(before time.Time) int
}

// Janitor prunes finished journal rows older than the retention.
type Janitor struct {
	exec      Executor
	pruner    Pruner
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// New makes a janitor. pruner may be nil.
func New(exec Executor, pruner Pruner, retention time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		exec:      exec,
		pruner:    pruner,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Start schedules pruning with a standard five-field cron spec.
func (j *Janitor) Start(spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse janitor schedule %q: %w", spec, err)
	}
	j.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("prune failed", "error", err)
		}
	}))
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", spec, "retention", j.retention)
	return nil
}

// Stop stops the schedule and waits for a running prune, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes now and returns the number of journal rows removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)

	var removed int64
	var pruneErr error
	work := engine.WorkFuncs{
		Do: func(ctx context.Context, em *persistence.EntityManager) error {
			removed, pruneErr = store.PruneFinished(ctx, em.Delegate(), cutoff)
			return pruneErr
		},
	}

	x, err := j.exec.Execute(taskName, work)
	if err != nil {
		return 0, fmt.Errorf("start prune: %w", err)
	}
	if err := x.Wait(ctx); err != nil {
		return 0, fmt.Errorf("wait for prune: %w", err)
	}
	if x.Status() != model.StatusFinished {
		if pruneErr == nil {
			pruneErr = fmt.Errorf("prune task %s ended %s", x.ID(), x.Status())
		}
		return 0, pruneErr
	}

	if j.pruner != nil {
		if n := j.pruner.PruneClosed(cutoff); n > 0 {
			j.logger.Debug("dropped closed event topics", "count", n)
		}
	}
	j.logger.Info("pruned task history", "removed", removed, "before", cutoff)
	return removed, nil
}
