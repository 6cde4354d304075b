package store

import (
	"context"
	"errors"

	"github.com/ashdyer/kiln/internal/model"
)

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTier   map[string]int `json:"count_by_tier"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks. Implementations must
// serialize writes per task id; writes across tasks may run in parallel.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)

	// UpdateTaskStatus transitions a task's status, enforcing the status
	// state machine. Terminal statuses also set completed_at.
	UpdateTaskStatus(ctx context.Context, id, status string) error

	// UpdateTask persists the full task record (used on status transitions
	// that carry new attempt, backend, result, or error data).
	UpdateTask(ctx context.Context, t *model.Task) error

	// RecoverOrphans resolves tasks left non-terminal by a process restart:
	// running tasks are failed with the interrupted error kind (their remote
	// state is unknown), queued tasks are returned for re-admission.
	RecoverOrphans(ctx context.Context) (interrupted int, requeue []*model.Task, err error)

	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
