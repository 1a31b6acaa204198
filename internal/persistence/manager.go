package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/txn"
)

var (
	// ErrEntityNotFound is returned when no entity exists under the given kind and id.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityExists is returned by Persist when the key is already taken.
	ErrEntityExists = errors.New("entity already exists")
	// ErrInvalidKey is returned for an empty kind or id.
	ErrInvalidKey = errors.New("entity kind and id are required")
)

// Queryer is the query surface of a connection or of an open transaction.
type Queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Transaction is the handle returned by EntityManager.Transaction. Work marks
// a business failure by calling SetRollbackOnly and returning normally.
type Transaction interface {
	SetRollbackOnly() error
	RollbackOnly() bool
	Active() bool
}

// EntityManager is the transactional accessor passed to task work.
type EntityManager struct {
	conn   *sqlx.Conn
	tx     *sqlx.Tx
	guard  *txn.Guard
	user   *UserTransaction
	logger *slog.Logger
}

// Guard returns the scope tracker of the manager's connection.
func (em *EntityManager) Guard() *txn.Guard { return em.guard }

// UserMode reports whether the caller manages transactions itself.
func (em *EntityManager) UserMode() bool { return em.user != nil }

// Transaction returns the current transaction handle. In user-transaction
// mode this is the *UserTransaction the caller drives; otherwise it is a
// restricted view over the engine-managed transaction.
func (em *EntityManager) Transaction() Transaction {
	if em.user != nil {
		return em.user
	}
	return managedTx{guard: em.guard}
}

// UserTransaction returns the caller-driven transaction, or nil when the
// manager runs inside an engine-managed transaction.
func (em *EntityManager) UserTransaction() *UserTransaction { return em.user }

// Delegate returns the query surface bound to the open transaction, or to
// the bare connection when no transaction is open.
func (em *EntityManager) Delegate() Queryer {
	if em.guard.Active() && em.tx != nil {
		return em.tx
	}
	return em.conn
}

// InTransaction runs fn in its own scope. Inside an open transaction the
// scope is nested: an error from fn marks the whole transaction
// rollback-only instead of rolling back the connection.
func (em *EntityManager) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	st, err := txn.Setup(ctx, em.guard)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := st.Rollback(); rbErr != nil {
				em.logger.Error("rollback after panic failed", "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if rbErr := st.Rollback(); rbErr != nil {
			return multierror.Append(err, rbErr)
		}
		return err
	}
	return st.Commit()
}

// Close rolls back any transaction still open and releases the connection.
func (em *EntityManager) Close() error {
	var errs *multierror.Error
	if em.guard.Active() {
		em.logger.Warn("releasing connection with open transaction, rolling back", "depth", em.guard.Depth())
		if err := em.guard.Abort(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := em.conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errs.ErrorOrNil()
}

// Find returns the entity stored under kind and id.
func (em *EntityManager) Find(ctx context.Context, kind, id string) (*model.Entity, error) {
	if kind == "" || id == "" {
		return nil, ErrInvalidKey
	}
	e := &model.Entity{}
	err := sqlx.GetContext(ctx, em.Delegate(), e,
		`SELECT kind, id, body, version, updated_at FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return e, nil
}

// Persist stores a new entity. It fails with ErrEntityExists if the key is taken.
func (em *EntityManager) Persist(ctx context.Context, kind, id string, v any) (*model.Entity, error) {
	if kind == "" || id == "" {
		return nil, ErrInvalidKey
	}
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}

	if _, err := em.Find(ctx, kind, id); err == nil {
		return nil, ErrEntityExists
	} else if !errors.Is(err, ErrEntityNotFound) {
		return nil, err
	}

	e := &model.Entity{Kind: kind, ID: id, Body: body, Version: 1, UpdatedAt: time.Now().UTC()}
	_, err = em.Delegate().ExecContext(ctx,
		`INSERT INTO entities (kind, id, body, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.ID, e.Body, e.Version, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

// Merge stores the entity, creating it or replacing its body and bumping the version.
func (em *EntityManager) Merge(ctx context.Context, kind, id string, v any) (*model.Entity, error) {
	if kind == "" || id == "" {
		return nil, ErrInvalidKey
	}
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}

	_, err = em.Delegate().ExecContext(ctx,
		`INSERT INTO entities (kind, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			body = excluded.body,
			version = entities.version + 1,
			updated_at = excluded.updated_at`,
		kind, id, body, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("merge entity: %w", err)
	}
	return em.Find(ctx, kind, id)
}

// Remove deletes the entity stored under kind and id.
func (em *EntityManager) Remove(ctx context.Context, kind, id string) error {
	if kind == "" || id == "" {
		return ErrInvalidKey
	}
	res, err := em.Delegate().ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// Decode unmarshals the entity body into v.
func Decode(e *model.Entity, v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode entity %s/%s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// encodeBody keeps raw JSON as is and marshals everything else.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, errors.New("entity body is not valid JSON")
		}
		return b, nil
	case []byte:
		if !json.Valid(b) {
			return nil, errors.New("entity body is not valid JSON")
		}
		return b, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return body, nil
}

// managedTx exposes only the rollback-only flag of an engine-managed transaction.
type managedTx struct {
	guard *txn.Guard
}

func (m managedTx) SetRollbackOnly() error { return m.guard.SetRollbackOnly() }
func (m managedTx) RollbackOnly() bool     { return m.guard.RollbackOnly() }
func (m managedTx) Active() bool           { return m.guard.Active() }
