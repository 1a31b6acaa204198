package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/seantiz/txexec/internal/model"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    user_tx     BOOLEAN NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createTasksIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_finished_at ON tasks(finished_at)`

const selectTask = `SELECT id, name, status, user_tx, error, duration_ms, created_at, started_at, finished_at FROM tasks`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on the shared SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates the journal schema on db if needed.
func NewSQLiteStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	for _, q := range []string{createTasksTable, createTasksIndex} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("create tasks schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, r *model.TaskRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO tasks (id, name, status, user_tx, error, duration_ms, created_at, started_at, finished_at)
		VALUES (:id, :name, :status, :user_tx, :error, :duration_ms, :created_at, :started_at, :finished_at)`, r)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// MarkRunning moves a pending task to running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.StatusRunning, at, id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return s.checkTransition(ctx, res, id, model.StatusRunning)
}

// FinishTask moves a task to a terminal status and records its duration.
// Tasks rejected before dispatch go straight from pending to failed.
func (s *SQLiteStore) FinishTask(ctx context.Context, id string, status model.WorkStatus, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	var durationMS int64
	if cur.StartedAt != nil {
		durationMS = at.Sub(*cur.StartedAt).Milliseconds()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, errMsg, at, durationMS, id, model.StatusPending, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return s.checkTransition(ctx, res, id, status)
}

// checkTransition tells a missing task apart from one in the wrong status
// when an update touched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, to model.WorkStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	r := &model.TaskRecord{}
	err := s.db.GetContext(ctx, r, selectTask+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListTasks returns a page of tasks ordered newest first, along with the
// total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.GetContext(ctx, &total, "SELECT COUNT(*) FROM tasks"); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	var tasks []*model.TaskRecord
	if err := tx.SelectContext(ctx, &tasks,
		selectTask+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// GetTaskStats aggregates task counts and the mean duration of terminal tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{CountByStatus: make(map[model.WorkStatus]int)}

	var rows []struct {
		Status model.WorkStatus `db:"status"`
		Count  int              `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS cnt FROM tasks GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, r := range rows {
		stats.CountByStatus[r.Status] = r.Count
		stats.Total += r.Count
	}

	var avg sql.NullFloat64
	if err := s.db.GetContext(ctx, &avg,
		`SELECT AVG(duration_ms) FROM tasks WHERE finished_at IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

// PruneFinished deletes terminal task records finished before the cutoff.
// It runs on q so callers can prune inside their own transaction.
func PruneFinished(ctx context.Context, q sqlx.ExecerContext, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at IS NOT NULL AND finished_at < ? AND status IN (?, ?)`,
		before, model.StatusFinished, model.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
