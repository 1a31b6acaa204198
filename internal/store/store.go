package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/txexec/internal/model"
)

var (
	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")
)

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int                      `json:"total"`
	CountByStatus map[model.WorkStatus]int `json:"count_by_status"`
	AvgDurationMS float64                  `json:"avg_duration_ms"`
}

// Store is the task journal.
type Store interface {
	CreateTask(ctx context.Context, r *model.TaskRecord) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	FinishTask(ctx context.Context, id string, status model.WorkStatus, errMsg string, at time.Time) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
}
