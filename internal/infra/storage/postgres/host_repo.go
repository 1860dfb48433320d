package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

const hostColumns = `id, hostname, address, port, enabled,
	last_connected_at, last_success_at, last_failure_at, last_error_message,
	success_count, failure_count, created_at, updated_at`

// HostRepo implements storage.HostRepository using PostgreSQL.
type HostRepo struct {
	db *DB
}

// NewHostRepo creates a new PostgreSQL host repository.
func NewHostRepo(db *DB) *HostRepo {
	return &HostRepo{db: db}
}

// Get retrieves a host by ID.
func (r *HostRepo) Get(ctx context.Context, id string) (*domain.Host, error) {
	var row hostRow
	err := r.db.GetContext(ctx, &row, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return row.toDomain(), nil
}

// Save upserts a host.
func (r *HostRepo) Save(ctx context.Context, host *domain.Host) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO hosts (`+hostColumns+`)
		VALUES (:id, :hostname, :address, :port, :enabled,
			:last_connected_at, :last_success_at, :last_failure_at, :last_error_message,
			:success_count, :failure_count, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			enabled = EXCLUDED.enabled,
			last_connected_at = EXCLUDED.last_connected_at,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			last_error_message = EXCLUDED.last_error_message,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			updated_at = EXCLUDED.updated_at`, newHostRow(host))
	if err != nil {
		return fmt.Errorf("failed to save host: %w", err)
	}
	return nil
}

// RecordSuccess increments the success counter in place.
func (r *HostRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `
		UPDATE hosts SET
			success_count = success_count + 1,
			last_success_at = $2,
			last_connected_at = $2,
			updated_at = $2
		WHERE id = $1`, id, at)
}

// RecordFailure increments the failure counter in place.
func (r *HostRepo) RecordFailure(ctx context.Context, id string, at time.Time, msg string) error {
	return r.exec(ctx, `
		UPDATE hosts SET
			failure_count = failure_count + 1,
			last_failure_at = $2,
			last_error_message = $3,
			updated_at = $2
		WHERE id = $1`, id, at, msg)
}

// List returns all hosts.
func (r *HostRepo) List(ctx context.Context) ([]*domain.Host, error) {
	var rows []hostRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+hostColumns+` FROM hosts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	hosts := make([]*domain.Host, 0, len(rows))
	for i := range rows {
		hosts = append(hosts, rows[i].toDomain())
	}
	return hosts, nil
}

func (r *HostRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update host stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update host stats: %w", err)
	}
	if n == 0 {
		return storage.ErrHostNotFound
	}
	return nil
}
