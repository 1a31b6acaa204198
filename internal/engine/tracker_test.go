package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/model"
)

func TestTrackerTransitions(t *testing.T) {
	tr := engine.NewTracker()
	assert.Equal(t, model.StatusPending, tr.Status())

	assert.ErrorIs(t, tr.SetStatus(model.StatusFinished), engine.ErrInvalidTransition)
	require.NoError(t, tr.SetStatus(model.StatusRunning))
	assert.ErrorIs(t, tr.SetStatus(model.StatusRunning), engine.ErrInvalidTransition)
	require.NoError(t, tr.SetStatus(model.StatusFinished))

	// terminal statuses are final
	assert.ErrorIs(t, tr.SetStatus(model.StatusFailed), engine.ErrInvalidTransition)
	assert.Equal(t, model.StatusFinished, tr.Status())
}

func TestTrackerFinishRecordsError(t *testing.T) {
	tr := engine.NewTracker()
	failure := errors.New("failure")

	assert.ErrorIs(t, tr.Finish(model.StatusRunning, nil), engine.ErrInvalidTransition)
	require.NoError(t, tr.SetStatus(model.StatusRunning))
	assert.NoError(t, tr.Err())

	require.NoError(t, tr.Finish(model.StatusFailed, failure))
	assert.Equal(t, model.StatusFailed, tr.Status())
	assert.Same(t, failure, tr.Err())
	assert.ErrorIs(t, tr.Finish(model.StatusFinished, nil), engine.ErrInvalidTransition)
	assert.Same(t, failure, tr.Err())
}

func TestTrackerReleasesAllWaiters(t *testing.T) {
	tr := engine.NewTracker()

	var wg sync.WaitGroup
	seen := make([]model.WorkStatus, 5)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Wait()
			seen[i] = tr.Status()
		}()
	}

	require.NoError(t, tr.SetStatus(model.StatusFailed))
	wg.Wait()
	for _, s := range seen {
		assert.Equal(t, model.StatusFailed, s)
	}

	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestMessageDeliversOnce(t *testing.T) {
	n := 0
	m := engine.NewMessage(func() { n++ })

	assert.True(t, m.Deliver())
	assert.False(t, m.Deliver())
	assert.Equal(t, 1, n)
}

func TestLoopMessengerDrainsOnClose(t *testing.T) {
	m := engine.NewLoopMessenger(discard)

	var order []int
	for i := range 50 {
		task, err := engine.NewTask("t", engine.WorkFuncs{Progress: func(v any) { order = append(order, v.(int)) }})
		require.NoError(t, err)
		m.SendProgress(task, i)
	}
	m.Close()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	// sends after Close are delivered inline
	late := false
	task, err := engine.NewTask("late", engine.WorkFuncs{Progress: func(any) { late = true }})
	require.NoError(t, err)
	m.SendProgress(task, 0)
	assert.True(t, late)
}

func TestNewTaskDefaults(t *testing.T) {
	_, err := engine.NewTask("x", nil)
	assert.ErrorIs(t, err, engine.ErrNilWork)

	task, err := engine.NewTask("", engine.WorkFuncs{}, engine.WithUserTransaction())
	require.NoError(t, err)
	assert.Equal(t, "task", task.Name())
	assert.True(t, task.UserTransaction())
	assert.True(t, model.ValidID(task.ID()))
	assert.Equal(t, model.StatusPending, task.Executable().Status())
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, model.StatusFinished, engine.Outcome{Success: true}.Status())
	assert.Equal(t, model.StatusFailed, engine.Outcome{}.Status())
	assert.Equal(t, model.StatusFailed, engine.Outcome{Success: true, Err: assert.AnError}.Status())
}
