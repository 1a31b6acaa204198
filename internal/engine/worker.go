package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
	"github.com/seantiz/txexec/internal/txn"
)

// run takes one task from pending to its outcome and hands the outcome to
// the messenger. The terminal status is set on delivery, where observers
// are told the task finished.
func (r *Runner) run(ctx context.Context, t *Task) {
	if err := t.tracker.SetStatus(model.StatusRunning); err != nil {
		r.logger.Error("failed to transition to running", "task_id", t.id, "error", err)
		return
	}
	r.inFlight.Add(1)
	start := time.Now().UTC()
	recordRunning()
	r.notifyRunning(t, start)
	r.logger.Debug("task running", "task_id", t.id, "name", t.name, "user_tx", t.userTx)

	o := r.perform(ctx, t)

	recordOutcome(o, start)
	r.inFlight.Add(-1)
	if o.Err != nil {
		r.logger.Warn("task failed", "task_id", t.id, "name", t.name, "error", o.Err)
	} else {
		r.logger.Debug("task finished", "task_id", t.id, "name", t.name, "success", o.Success)
	}

	r.messenger.SendResult(t, o)
}

// perform runs the work with its own EntityManager. The manager is closed
// before the outcome is returned.
func (r *Runner) perform(ctx context.Context, t *Task) Outcome {
	em, err := r.factory.Open(ctx, t.userTx)
	if err != nil {
		return Outcome{Err: fmt.Errorf("open entity manager: %w", err)}
	}
	defer func() {
		if err := em.Close(); err != nil {
			r.logger.Warn("failed to close entity manager", "task_id", t.id, "error", err)
		}
	}()

	ctx = withProgress(ctx, func(v any) { r.progress(t, v) })
	if t.userTx {
		return r.performUser(ctx, t, em)
	}
	return r.performManaged(ctx, t, em)
}

// performManaged wraps the work in one transaction scope. An error or panic
// rolls it back, as does a rollback-only mark; otherwise it commits.
func (r *Runner) performManaged(ctx context.Context, t *Task, em *persistence.EntityManager) Outcome {
	st, err := txn.Setup(ctx, em.Guard())
	if err != nil {
		return Outcome{Err: err}
	}

	if err := invoke(ctx, t.work, em); err != nil {
		if rbErr := st.Rollback(); rbErr != nil {
			r.logger.Error("rollback failed", "task_id", t.id, "error", rbErr)
			return Outcome{Err: multierror.Append(err, rbErr)}
		}
		return Outcome{Err: err}
	}

	if em.Guard().RollbackOnly() {
		if err := st.Rollback(); err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Success: false}
	}

	if err := st.Commit(); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Success: true}
}

// performUser runs work that drives its own transaction. A transaction left
// open is rolled back and counts as a business failure.
func (r *Runner) performUser(ctx context.Context, t *Task, em *persistence.EntityManager) Outcome {
	err := invoke(ctx, t.work, em)

	rollbackOnly := em.UserTransaction().RollbackOnly()
	leftOpen := em.Guard().Active()
	var abortErr error
	if leftOpen {
		r.logger.Warn("work left transaction open, rolling back", "task_id", t.id, "depth", em.Guard().Depth())
		abortErr = em.Guard().Abort()
	}

	switch {
	case err != nil && abortErr != nil:
		return Outcome{Err: multierror.Append(err, abortErr)}
	case err != nil:
		return Outcome{Err: err}
	case abortErr != nil:
		return Outcome{Err: abortErr}
	case leftOpen || rollbackOnly:
		return Outcome{Success: false}
	default:
		return Outcome{Success: true}
	}
}

// invoke calls DoTask, turning a panic into a *PersistenceError.
func invoke(ctx context.Context, w Work, em *persistence.EntityManager) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPersistenceError(r)
		}
	}()
	return w.DoTask(ctx, em)
}
