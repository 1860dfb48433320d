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

const resultColumns = `id, task_id, host_id, hostname, query_class, status, collection_time,
	retry_count, attempts, records_collected, raw_data, processed_data,
	error_message, error_code, is_anomaly, anomaly_score, anomaly_reason, duration_ms`

// ResultRepo implements storage.ResultRepository using PostgreSQL.
type ResultRepo struct {
	db *DB
}

// NewResultRepo creates a new PostgreSQL result repository.
func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

// Save inserts a result. Results are immutable so a duplicate id is ignored.
func (r *ResultRepo) Save(ctx context.Context, result *domain.Result) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO collection_results (`+resultColumns+`)
		VALUES (:id, :task_id, :host_id, :hostname, :query_class, :status, :collection_time,
			:retry_count, :attempts, :records_collected, :raw_data, :processed_data,
			:error_message, :error_code, :is_anomaly, :anomaly_score, :anomaly_reason, :duration_ms)
		ON CONFLICT (id) DO NOTHING`, newResultRow(result))
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// ListByTask returns the latest results of a task, newest first.
func (r *ResultRepo) ListByTask(
	ctx context.Context,
	taskID string,
	limit int,
) ([]*domain.Result, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []resultRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+resultColumns+` FROM collection_results
		WHERE task_id = $1
		ORDER BY collection_time DESC
		LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	results := make([]*domain.Result, 0, len(rows))
	for i := range rows {
		results = append(results, rows[i].toDomain())
	}
	return results, nil
}

// DeleteBefore removes results collected strictly before t.
func (r *ResultRepo) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM collection_results WHERE collection_time < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}
	return res.RowsAffected()
}

type groupCount struct {
	Key   string `db:"key"`
	Count int64  `db:"count"`
}

// Statistics aggregates results collected in [from, to).
func (r *ResultRepo) Statistics(
	ctx context.Context,
	from, to time.Time,
) (*domain.CollectionStatistics, error) {
	lo, hi := window(from, to)
	stats := &domain.CollectionStatistics{
		From:     from,
		To:       to,
		ByStatus: make(map[domain.ResultStatus]int64),
		ByHost:   make(map[string]int64),
	}

	var byStatus []groupCount
	err := r.db.SelectContext(ctx, &byStatus, `
		SELECT status AS key, COUNT(*) AS count FROM collection_results
		WHERE collection_time >= $1 AND collection_time < $2
		GROUP BY status`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate results by status: %w", err)
	}
	for _, g := range byStatus {
		status := domain.ResultStatus(g.Key)
		stats.ByStatus[status] = g.Count
		stats.TotalCollections += g.Count
		if status == domain.ResultStatusSuccess {
			stats.SuccessCollections += g.Count
		} else {
			stats.FailureCollections += g.Count
		}
	}

	var byHost []groupCount
	err = r.db.SelectContext(ctx, &byHost, `
		SELECT COALESCE(NULLIF(hostname, ''), host_id) AS key, COUNT(*) AS count
		FROM collection_results
		WHERE collection_time >= $1 AND collection_time < $2
		GROUP BY 1`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate results by host: %w", err)
	}
	for _, g := range byHost {
		stats.ByHost[g.Key] = g.Count
	}

	stats.SuccessRate = storage.SuccessRate(stats.SuccessCollections, stats.TotalCollections)
	return stats, nil
}

// HostStatistics aggregates one host's results collected in [from, to).
func (r *ResultRepo) HostStatistics(
	ctx context.Context,
	hostID string,
	from, to time.Time,
) (*domain.HostStatistics, error) {
	var host hostRow
	err := r.db.GetContext(ctx, &host, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	lo, hi := window(from, to)
	var agg struct {
		Total       int64   `db:"total"`
		Success     int64   `db:"success"`
		AvgDuration float64 `db:"avg_duration"`
	}
	err = r.db.GetContext(ctx, &agg, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $2) AS success,
			COALESCE(AVG(duration_ms), 0)::float8 AS avg_duration
		FROM collection_results
		WHERE host_id = $1 AND collection_time >= $3 AND collection_time < $4`,
		hostID, string(domain.ResultStatusSuccess), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate host results: %w", err)
	}

	return &domain.HostStatistics{
		HostID:             host.ID,
		Hostname:           host.Hostname,
		Address:            host.Address,
		TotalCollections:   agg.Total,
		SuccessCollections: agg.Success,
		FailureCollections: agg.Total - agg.Success,
		SuccessRate:        storage.SuccessRate(agg.Success, agg.Total),
		AvgDuration:        time.Duration(agg.AvgDuration * float64(time.Millisecond)),
	}, nil
}
