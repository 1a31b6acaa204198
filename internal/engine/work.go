package engine

import (
	"context"

	"github.com/seantiz/txexec/internal/persistence"
)

// Work is the unit of database work submitted to the engine.
//
// DoTask runs inside a transaction. Returning nil commits it unless the work
// marked the transaction rollback-only, which is reported as a business
// failure through OnPostExecute(false). A returned error or a panic rolls
// back and is reported through OnRollback. Exactly one of OnPostExecute and
// OnRollback is called, once, on the delivery context.
type Work interface {
	DoTask(ctx context.Context, em *persistence.EntityManager) error
	OnPostExecute(success bool)
	OnRollback(err error)
}

// ProgressListener is implemented by work that wants ReportProgress values
// delivered on the delivery context.
type ProgressListener interface {
	OnProgress(v any)
}

// WorkFuncs adapts plain functions to Work. Nil callbacks are skipped.
type WorkFuncs struct {
	Do       func(ctx context.Context, em *persistence.EntityManager) error
	Post     func(success bool)
	Rollback func(err error)
	Progress func(v any)
}

// DoTask calls w.Do.
func (w WorkFuncs) DoTask(ctx context.Context, em *persistence.EntityManager) error {
	if w.Do == nil {
		return nil
	}
	return w.Do(ctx, em)
}

// OnPostExecute calls w.Post.
func (w WorkFuncs) OnPostExecute(success bool) {
	if w.Post != nil {
		w.Post(success)
	}
}

// OnRollback calls w.Rollback.
func (w WorkFuncs) OnRollback(err error) {
	if w.Rollback != nil {
		w.Rollback(err)
	}
}

// OnProgress calls w.Progress.
func (w WorkFuncs) OnProgress(v any) {
	if w.Progress != nil {
		w.Progress(v)
	}
}

type progressKey struct{}

// ReportProgress publishes v for the task running with ctx. It is a no-op
// outside of DoTask.
func ReportProgress(ctx context.Context, v any) {
	if report, ok := ctx.Value(progressKey{}).(func(any)); ok {
		report(v)
	}
}

func withProgress(ctx context.Context, report func(any)) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}
