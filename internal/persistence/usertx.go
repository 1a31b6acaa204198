package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/seantiz/txexec/internal/txn"
)

// ErrInvalidSavepoint is returned for savepoint names that are not plain identifiers.
var ErrInvalidSavepoint = errors.New("invalid savepoint name")

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// UserTransaction is the transaction object handed to work running in
// user-transaction mode. The caller begins, commits and rolls back itself;
// the engine only reads RollbackOnly once the work returns.
type UserTransaction struct {
	em     *EntityManager
	scopes []*txn.State
	marked bool
}

var _ Transaction = (*UserTransaction)(nil)

// Begin opens a scope. Calling Begin while a transaction is open nests the
// scope inside it.
func (u *UserTransaction) Begin(ctx context.Context) error {
	st, err := txn.Setup(ctx, u.em.guard)
	if err != nil {
		return err
	}
	u.scopes = append(u.scopes, st)
	return nil
}

// Commit ends the innermost scope. If the transaction was marked
// rollback-only the outermost commit rolls back and returns txn.ErrRollbackOnly.
func (u *UserTransaction) Commit() error {
	st, err := u.pop()
	if err != nil {
		return err
	}
	if u.marked && u.em.guard.Active() {
		_ = u.em.guard.SetRollbackOnly()
	}
	return st.Commit()
}

// Rollback ends the innermost scope, discarding the transaction. The
// outcome of the task is a business failure from then on.
func (u *UserTransaction) Rollback() error {
	st, err := u.pop()
	if err != nil {
		return err
	}
	u.marked = true
	return st.Rollback()
}

// SetRollbackOnly marks the task outcome as a business failure and, if a
// transaction is open, prevents it from being committed.
func (u *UserTransaction) SetRollbackOnly() error {
	u.marked = true
	if u.em.guard.Active() {
		return u.em.guard.SetRollbackOnly()
	}
	return nil
}

// RollbackOnly reports whether the task outcome is a business failure.
func (u *UserTransaction) RollbackOnly() bool {
	return u.marked || u.em.guard.RollbackOnly()
}

// Active reports whether a transaction is open.
func (u *UserTransaction) Active() bool { return u.em.guard.Active() }

// Savepoint creates a named savepoint inside the open transaction.
func (u *UserTransaction) Savepoint(ctx context.Context, name string) error {
	return u.exec(ctx, name, "SAVEPOINT %s")
}

// RollbackTo undoes everything after the named savepoint; the savepoint stays.
func (u *UserTransaction) RollbackTo(ctx context.Context, name string) error {
	return u.exec(ctx, name, "ROLLBACK TO SAVEPOINT %s")
}

// Release forgets the named savepoint, keeping its changes.
func (u *UserTransaction) Release(ctx context.Context, name string) error {
	return u.exec(ctx, name, "RELEASE SAVEPOINT %s")
}

func (u *UserTransaction) exec(ctx context.Context, name, stmt string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSavepoint, name)
	}
	if !u.em.guard.Active() {
		return txn.ErrNoTransaction
	}
	q := fmt.Sprintf(stmt, name)
	if _, err := u.em.Delegate().ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%s: %w", q, err)
	}
	return nil
}

func (u *UserTransaction) pop() (*txn.State, error) {
	if len(u.scopes) == 0 {
		return nil, txn.ErrNoTransaction
	}
	st := u.scopes[len(u.scopes)-1]
	u.scopes = u.scopes[:len(u.scopes)-1]
	return st, nil
}
