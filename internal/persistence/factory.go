package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/jmoiron/sqlx"

	"github.com/seantiz/txexec/internal/txn"
)

const createEntitiesTable = `
CREATE TABLE IF NOT EXISTS entities (
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    body       BLOB NOT NULL,
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (kind, id)
)`

// Repeater retries a function, as go-pkgz/repeater does.
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// RetryConfig controls the backoff used when a transaction cannot start
// because the database is busy.
type RetryConfig struct {
	Attempts int
	Duration time.Duration
	Factor   float64
}

// DefaultRetry is used when the factory is built without WithRetry.
var DefaultRetry = RetryConfig{Attempts: 5, Duration: 50 * time.Millisecond, Factor: 2}

// NewRepeater makes a jittered backoff repeater from cfg.
func NewRepeater(cfg RetryConfig) Repeater {
	return repeater.New(&strategy.Backoff{
		Repeats:  cfg.Attempts,
		Duration: cfg.Duration,
		Factor:   cfg.Factor,
		Jitter:   true,
	})
}

// Factory hands out EntityManagers bound to their own connection.
type Factory struct {
	db     *sqlx.DB
	retry  Repeater
	logger *slog.Logger
}

// FactoryOption customises a Factory.
type FactoryOption func(*Factory)

// WithRepeater sets the repeater used to start transactions on a busy database.
func WithRepeater(r Repeater) FactoryOption {
	return func(f *Factory) { f.retry = r }
}

// WithLogger sets the factory logger.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates the entity schema if needed and returns a factory over db.
func NewFactory(ctx context.Context, db *sqlx.DB, opts ...FactoryOption) (*Factory, error) {
	f := &Factory{
		db:     db,
		retry:  NewRepeater(DefaultRetry),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if _, err := db.ExecContext(ctx, createEntitiesTable); err != nil {
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	return f, nil
}

// Open returns an EntityManager owning a dedicated connection. With userTx
// the manager exposes a UserTransaction the caller drives explicitly.
func (f *Factory) Open(ctx context.Context, userTx bool) (*EntityManager, error) {
	conn, err := f.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	em := &EntityManager{conn: conn, logger: f.logger}
	em.guard = txn.NewGuard(txn.BeginFunc(func(ctx context.Context) (txn.Tx, error) {
		tx, err := f.begin(ctx, conn)
		if err != nil {
			return nil, err
		}
		em.tx = tx
		return tx, nil
	}))
	if userTx {
		em.user = &UserTransaction{em: em}
	}
	return em, nil
}

// begin starts a transaction on conn, retrying while SQLite reports the
// database as busy. Other errors end the retries at once.
func (f *Factory) begin(ctx context.Context, conn *sqlx.Conn) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	var beginErr error
	err := f.retry.Do(ctx, func() error {
		tx, beginErr = conn.BeginTxx(ctx, &sql.TxOptions{})
		if beginErr != nil && IsBusy(beginErr) {
			f.logger.Debug("database busy, retrying begin", "error", beginErr)
			return beginErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if beginErr != nil {
		return nil, beginErr
	}
	return tx, nil
}
