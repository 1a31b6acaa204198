package txn

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrScopeFinished is returned when Commit or Rollback is called on a scope twice.
	ErrScopeFinished = errors.New("transaction scope already finished")
	// ErrRollbackOnly is returned by Commit when the transaction was marked
	// rollback-only and has been rolled back instead.
	ErrRollbackOnly = errors.New("transaction marked rollback-only")
	// ErrNoTransaction is returned when an operation needs an active transaction.
	ErrNoTransaction = errors.New("no active transaction")
	// ErrScopeOpen is returned when the outermost scope ends while inner scopes are still open.
	ErrScopeOpen = errors.New("nested transaction scope still open")
)

// Tx is a physical transaction on a connection.
type Tx interface {
	Commit() error
	Rollback() error
}

// Beginner starts physical transactions on one connection.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// BeginFunc adapts a function to the Beginner interface.
type BeginFunc func(ctx context.Context) (Tx, error)

// Begin calls f(ctx).
func (f BeginFunc) Begin(ctx context.Context) (Tx, error) { return f(ctx) }

// Guard tracks the transaction scopes open on a single connection.
// It is owned by one task and is not safe for concurrent use.
type Guard struct {
	begin        Beginner
	tx           Tx
	depth        int
	rollbackOnly bool
}

// NewGuard makes a guard starting physical transactions with b.
func NewGuard(b Beginner) *Guard {
	return &Guard{begin: b}
}

// Active reports whether a physical transaction is open.
func (g *Guard) Active() bool { return g.tx != nil }

// Depth returns the number of open scopes.
func (g *Guard) Depth() int { return g.depth }

// Tx returns the open physical transaction or nil.
func (g *Guard) Tx() Tx { return g.tx }

// SetRollbackOnly marks the open transaction so that it can only be rolled back.
func (g *Guard) SetRollbackOnly() error {
	if g.tx == nil {
		return ErrNoTransaction
	}
	g.rollbackOnly = true
	return nil
}

// RollbackOnly reports whether the open transaction is marked rollback-only.
func (g *Guard) RollbackOnly() bool { return g.rollbackOnly }

// Abort rolls back a transaction left open, e.g. when the connection is
// released after a scope was never finished. No-op without an open transaction.
func (g *Guard) Abort() error {
	if g.tx == nil {
		return nil
	}
	defer g.reset()
	if err := g.tx.Rollback(); err != nil {
		return fmt.Errorf("abort transaction: %w", err)
	}
	return nil
}

func (g *Guard) reset() {
	g.tx = nil
	g.depth = 0
	g.rollbackOnly = false
}

// State is one transaction scope on a guarded connection.
type State struct {
	guard    *Guard
	nested   bool
	finished bool
}

// Setup opens a scope. If a transaction is already open on the guard the
// scope is nested and no physical transaction is started.
func Setup(ctx context.Context, g *Guard) (*State, error) {
	if g.depth > 0 {
		g.depth++
		return &State{guard: g, nested: true}, nil
	}

	tx, err := g.begin.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	g.tx = tx
	g.depth = 1
	g.rollbackOnly = false
	return &State{guard: g}, nil
}

// Nested reports whether the scope runs inside an outer scope.
func (s *State) Nested() bool { return s.nested }

// Commit ends the scope. A nested scope leaves the connection alone. The
// outermost scope commits, or rolls back and returns ErrRollbackOnly when
// the transaction was marked rollback-only.
func (s *State) Commit() error {
	if s.finished {
		return ErrScopeFinished
	}
	s.finished = true

	g := s.guard
	if s.nested {
		g.depth--
		return nil
	}
	defer g.reset()

	if g.depth > 1 {
		if err := g.tx.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %v", ErrScopeOpen, err)
		}
		return ErrScopeOpen
	}

	if g.rollbackOnly {
		if err := g.tx.Rollback(); err != nil {
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return ErrRollbackOnly
	}

	if err := g.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback ends the scope. A nested scope leaves the connection alone and
// marks the transaction rollback-only, so the outermost scope cannot commit it.
func (s *State) Rollback() error {
	if s.finished {
		return ErrScopeFinished
	}
	s.finished = true

	g := s.guard
	if s.nested {
		g.depth--
		g.rollbackOnly = true
		return nil
	}
	defer g.reset()

	if err := g.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
