package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

var (
	// ErrTaskNotFound is returned when a task doesn't exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrHostNotFound is returned when a host doesn't exist
	ErrHostNotFound = errors.New("host not found")
)

// TaskRepository handles collection task storage.
type TaskRepository interface {
	// Get retrieves a task by ID. Returns ErrTaskNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Task, error)

	// Save inserts or replaces a task
	Save(ctx context.Context, task *domain.Task) error

	// UpdateStatus sets the status of one task
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, at time.Time) error

	// BulkUpdateStatus moves every task in status from to status to.
	BulkUpdateStatus(
		ctx context.Context,
		from, to domain.TaskStatus,
		at time.Time,
	) (int64, error)

	// FindDue returns enabled PENDING or RETRYING tasks whose next collection
	// time is at or before now, oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// List returns all tasks, optionally filtered by status ("" = all).
	List(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
}

// HostRepository handles managed host storage.
type HostRepository interface {
	// Get retrieves a host by ID. Returns ErrHostNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Host, error)

	// Save inserts or replaces a host
	Save(ctx context.Context, host *domain.Host) error

	// RecordSuccess atomically bumps the success counter
	RecordSuccess(ctx context.Context, id string, at time.Time) error

	// RecordFailure atomically bumps the failure counter
	RecordFailure(ctx context.Context, id string, at time.Time, msg string) error

	// List returns all hosts
	List(ctx context.Context) ([]*domain.Host, error)
}

// ResultRepository handles collection result storage.
type ResultRepository interface {
	// Save stores a result. Results are never updated.
	Save(ctx context.Context, result *domain.Result) error

	// ListByTask returns the latest results of a task, newest first
	ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Result, error)

	// DeleteBefore removes results collected strictly before t.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	// Statistics aggregates results collected in [from, to).
	Statistics(ctx context.Context, from, to time.Time) (*domain.CollectionStatistics, error)

	// HostStatistics aggregates one host's results collected in [from, to).
	HostStatistics(
		ctx context.Context,
		hostID string,
		from, to time.Time,
	) (*domain.HostStatistics, error)
}

// RetryQueue orders scheduled retries by due time.
type RetryQueue interface {
	// Schedule adds or moves taskID to fire at at
	Schedule(ctx context.Context, taskID string, at time.Time) error

	// PopDue removes and returns up to limit task IDs due at or before now
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Remove drops taskID from the queue
	Remove(ctx context.Context, taskID string) error

	// Len returns the number of queued retries
	Len(ctx context.Context) (int64, error)
}

// SuccessRate is success / total, 0 for an empty window.
func SuccessRate(success, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}
