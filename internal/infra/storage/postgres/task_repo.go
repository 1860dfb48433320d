package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

const taskColumns = `id, host_id, query_class, parameters, status, policy, retry_mode,
	interval_ms, enabled, max_retry_count, current_retry_count,
	last_collection_time, next_collection_time, last_success_time, last_error_time,
	last_error_message, last_error_category,
	total_collections, successful_collections, failed_collections,
	created_at, updated_at`

// TaskRepo implements storage.TaskRepository using PostgreSQL.
type TaskRepo struct {
	db *DB
}

// NewTaskRepo creates a new PostgreSQL task repository.
func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// Get retrieves a task by ID.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM collection_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain()
}

// Save upserts a task.
func (r *TaskRepo) Save(ctx context.Context, task *domain.Task) error {
	row, err := newTaskRow(task)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO collection_tasks (`+taskColumns+`)
		VALUES (:id, :host_id, :query_class, :parameters, :status, :policy, :retry_mode,
			:interval_ms, :enabled, :max_retry_count, :current_retry_count,
			:last_collection_time, :next_collection_time, :last_success_time, :last_error_time,
			:last_error_message, :last_error_category,
			:total_collections, :successful_collections, :failed_collections,
			:created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			host_id = EXCLUDED.host_id,
			query_class = EXCLUDED.query_class,
			parameters = EXCLUDED.parameters,
			status = EXCLUDED.status,
			policy = EXCLUDED.policy,
			retry_mode = EXCLUDED.retry_mode,
			interval_ms = EXCLUDED.interval_ms,
			enabled = EXCLUDED.enabled,
			max_retry_count = EXCLUDED.max_retry_count,
			current_retry_count = EXCLUDED.current_retry_count,
			last_collection_time = EXCLUDED.last_collection_time,
			next_collection_time = EXCLUDED.next_collection_time,
			last_success_time = EXCLUDED.last_success_time,
			last_error_time = EXCLUDED.last_error_time,
			last_error_message = EXCLUDED.last_error_message,
			last_error_category = EXCLUDED.last_error_category,
			total_collections = EXCLUDED.total_collections,
			successful_collections = EXCLUDED.successful_collections,
			failed_collections = EXCLUDED.failed_collections,
			updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of one task.
func (r *TaskRepo) UpdateStatus(
	ctx context.Context,
	id string,
	status domain.TaskStatus,
	at time.Time,
) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE collection_tasks SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

// BulkUpdateStatus moves every task in status from to status to.
func (r *TaskRepo) BulkUpdateStatus(
	ctx context.Context,
	from, to domain.TaskStatus,
	at time.Time,
) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE collection_tasks SET status = $2, updated_at = $3 WHERE status = $1`,
		string(from), string(to), at)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk update task status: %w", err)
	}
	return res.RowsAffected()
}

// FindDue returns enabled PENDING or RETRYING tasks that are due, oldest first.
// A task with no next collection time is due immediately.
func (r *TaskRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{string(domain.TaskStatusPending), string(domain.TaskStatusRetrying)}

	var rows []taskRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM collection_tasks
		WHERE enabled
		  AND status = ANY($1)
		  AND (next_collection_time IS NULL OR next_collection_time <= $2)
		ORDER BY next_collection_time ASC NULLS FIRST, id ASC
		LIMIT $3`, pq.Array(statuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due tasks: %w", err)
	}
	return toTasks(rows)
}

// List returns all tasks, optionally filtered by status.
func (r *TaskRepo) List(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	var rows []taskRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM collection_tasks
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return toTasks(rows)
}

func toTasks(rows []taskRow) ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
