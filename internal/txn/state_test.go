package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	commits, rollbacks int
	commitErr          error
	rollbackErr        error
}

func (f *fakeTx) Commit() error {
	f.commits++
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rollbacks++
	return f.rollbackErr
}

type fakeConn struct {
	begins   int
	beginErr error
	tx       *fakeTx
}

func (c *fakeConn) Begin(context.Context) (Tx, error) {
	c.begins++
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	c.tx = &fakeTx{}
	return c.tx, nil
}

func TestSetupOuterCommit(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)

	st, err := Setup(context.Background(), g)
	require.NoError(t, err)
	assert.False(t, st.Nested())
	assert.True(t, g.Active())
	assert.Equal(t, 1, g.Depth())

	require.NoError(t, st.Commit())
	assert.Equal(t, 1, conn.begins)
	assert.Equal(t, 1, conn.tx.commits)
	assert.Equal(t, 0, conn.tx.rollbacks)
	assert.False(t, g.Active())
	assert.Equal(t, 0, g.Depth())
}

func TestNestedScopesOnlyOuterTouchesConnection(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)
	ctx := context.Background()

	outer, err := Setup(ctx, g)
	require.NoError(t, err)
	inner, err := Setup(ctx, g)
	require.NoError(t, err)
	assert.True(t, inner.Nested())
	innermost, err := Setup(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Depth())

	require.NoError(t, innermost.Commit())
	require.NoError(t, inner.Commit())
	assert.Equal(t, 0, conn.tx.commits, "inner scopes must not commit")
	assert.Equal(t, 1, conn.begins, "inner scopes must not begin")

	require.NoError(t, outer.Commit())
	assert.Equal(t, 1, conn.tx.commits)
}

func TestNestedRollbackMarksOuterRollbackOnly(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)
	ctx := context.Background()

	outer, err := Setup(ctx, g)
	require.NoError(t, err)
	inner, err := Setup(ctx, g)
	require.NoError(t, err)

	require.NoError(t, inner.Rollback())
	assert.Equal(t, 0, conn.tx.rollbacks, "inner rollback must not touch the connection")
	assert.True(t, g.RollbackOnly())

	err = outer.Commit()
	assert.ErrorIs(t, err, ErrRollbackOnly)
	assert.Equal(t, 0, conn.tx.commits)
	assert.Equal(t, 1, conn.tx.rollbacks)
	assert.False(t, g.RollbackOnly(), "guard resets after the outer scope ends")
}

func TestOuterRollback(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)

	st, err := Setup(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, st.Rollback())
	assert.Equal(t, 1, conn.tx.rollbacks)
	assert.False(t, g.Active())
}

func TestScopeFinishesOnce(t *testing.T) {
	g := NewGuard(&fakeConn{})
	st, err := Setup(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, st.Commit())
	assert.ErrorIs(t, st.Commit(), ErrScopeFinished)
	assert.ErrorIs(t, st.Rollback(), ErrScopeFinished)
}

func TestBeginFailure(t *testing.T) {
	boom := errors.New("database is locked")
	g := NewGuard(&fakeConn{beginErr: boom})
	_, err := Setup(context.Background(), g)
	require.ErrorIs(t, err, boom)
	assert.False(t, g.Active())
	assert.Equal(t, 0, g.Depth())
}

func TestCommitFailureResetsGuard(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)
	st, err := Setup(context.Background(), g)
	require.NoError(t, err)
	conn.tx.commitErr = errors.New("disk full")

	err = st.Commit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, g.Active())
}

func TestOuterCommitWithOpenInnerScope(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)
	ctx := context.Background()

	outer, err := Setup(ctx, g)
	require.NoError(t, err)
	_, err = Setup(ctx, g)
	require.NoError(t, err)

	assert.ErrorIs(t, outer.Commit(), ErrScopeOpen)
	assert.Equal(t, 0, conn.tx.commits)
	assert.Equal(t, 1, conn.tx.rollbacks)
}

func TestSetRollbackOnlyWithoutTransaction(t *testing.T) {
	g := NewGuard(&fakeConn{})
	assert.ErrorIs(t, g.SetRollbackOnly(), ErrNoTransaction)
	require.NoError(t, g.Abort())
}

func TestAbortRollsBackOpenTransaction(t *testing.T) {
	conn := &fakeConn{}
	g := NewGuard(conn)
	_, err := Setup(context.Background(), g)
	require.NoError(t, err)

	require.NoError(t, g.Abort())
	assert.Equal(t, 1, conn.tx.rollbacks)
	assert.False(t, g.Active())
}

func TestBeginFunc(t *testing.T) {
	tx := &fakeTx{}
	g := NewGuard(BeginFunc(func(context.Context) (Tx, error) { return tx, nil }))
	st, err := Setup(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, st.Commit())
	assert.Equal(t, 1, tx.commits)
}
