package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

type taskRow struct {
	ID                    string       `db:"id"`
	HostID                string       `db:"host_id"`
	QueryClass            string       `db:"query_class"`
	Parameters            []byte       `db:"parameters"`
	Status                string       `db:"status"`
	Policy                string       `db:"policy"`
	RetryMode             string       `db:"retry_mode"`
	IntervalMS            int64        `db:"interval_ms"`
	Enabled               bool         `db:"enabled"`
	MaxRetryCount         int          `db:"max_retry_count"`
	CurrentRetryCount     int          `db:"current_retry_count"`
	LastCollectionTime    sql.NullTime `db:"last_collection_time"`
	NextCollectionTime    sql.NullTime `db:"next_collection_time"`
	LastSuccessTime       sql.NullTime `db:"last_success_time"`
	LastErrorTime         sql.NullTime `db:"last_error_time"`
	LastErrorMessage      string       `db:"last_error_message"`
	LastErrorCategory     string       `db:"last_error_category"`
	TotalCollections      int64        `db:"total_collections"`
	SuccessfulCollections int64        `db:"successful_collections"`
	FailedCollections     int64        `db:"failed_collections"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func newTaskRow(t *domain.Task) (*taskRow, error) {
	params := t.Parameters
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return &taskRow{
		ID:                    t.ID,
		HostID:                t.HostID,
		QueryClass:            t.QueryClass,
		Parameters:            raw,
		Status:                string(t.Status),
		Policy:                string(t.Policy),
		RetryMode:             string(t.RetryMode),
		IntervalMS:            t.Interval.Milliseconds(),
		Enabled:               t.Enabled,
		MaxRetryCount:         t.MaxRetryCount,
		CurrentRetryCount:     t.CurrentRetryCount,
		LastCollectionTime:    nullTime(t.LastCollectionTime),
		NextCollectionTime:    nullTime(t.NextCollectionTime),
		LastSuccessTime:       nullTime(t.LastSuccessTime),
		LastErrorTime:         nullTime(t.LastErrorTime),
		LastErrorMessage:      t.LastErrorMessage,
		LastErrorCategory:     string(t.LastErrorCategory),
		TotalCollections:      t.TotalCollections,
		SuccessfulCollections: t.SuccessfulCollections,
		FailedCollections:     t.FailedCollections,
		CreatedAt:             orNow(t.CreatedAt),
		UpdatedAt:             orNow(t.UpdatedAt),
	}, nil
}

func (r *taskRow) toDomain() (*domain.Task, error) {
	params := map[string]string{}
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of %s: %w", r.ID, err)
		}
	}
	return &domain.Task{
		ID:                    r.ID,
		HostID:                r.HostID,
		QueryClass:            r.QueryClass,
		Parameters:            params,
		Status:                domain.TaskStatus(r.Status),
		Policy:                domain.PolicyKind(r.Policy),
		RetryMode:             domain.RetryMode(r.RetryMode),
		Interval:              time.Duration(r.IntervalMS) * time.Millisecond,
		Enabled:               r.Enabled,
		MaxRetryCount:         r.MaxRetryCount,
		CurrentRetryCount:     r.CurrentRetryCount,
		LastCollectionTime:    r.LastCollectionTime.Time,
		NextCollectionTime:    r.NextCollectionTime.Time,
		LastSuccessTime:       r.LastSuccessTime.Time,
		LastErrorTime:         r.LastErrorTime.Time,
		LastErrorMessage:      r.LastErrorMessage,
		LastErrorCategory:     domain.ErrorCategory(r.LastErrorCategory),
		TotalCollections:      r.TotalCollections,
		SuccessfulCollections: r.SuccessfulCollections,
		FailedCollections:     r.FailedCollections,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}, nil
}

type hostRow struct {
	ID               string       `db:"id"`
	Hostname         string       `db:"hostname"`
	Address          string       `db:"address"`
	Port             int          `db:"port"`
	Enabled          bool         `db:"enabled"`
	LastConnectedAt  sql.NullTime `db:"last_connected_at"`
	LastSuccessAt    sql.NullTime `db:"last_success_at"`
	LastFailureAt    sql.NullTime `db:"last_failure_at"`
	LastErrorMessage string       `db:"last_error_message"`
	SuccessCount     int64        `db:"success_count"`
	FailureCount     int64        `db:"failure_count"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func newHostRow(h *domain.Host) *hostRow {
	return &hostRow{
		ID:               h.ID,
		Hostname:         h.Hostname,
		Address:          h.Address,
		Port:             h.Port,
		Enabled:          h.Enabled,
		LastConnectedAt:  nullTime(h.LastConnectedAt),
		LastSuccessAt:    nullTime(h.LastSuccessAt),
		LastFailureAt:    nullTime(h.LastFailureAt),
		LastErrorMessage: h.LastErrorMessage,
		SuccessCount:     h.SuccessCount,
		FailureCount:     h.FailureCount,
		CreatedAt:        orNow(h.CreatedAt),
		UpdatedAt:        orNow(h.UpdatedAt),
	}
}

func (r *hostRow) toDomain() *domain.Host {
	return &domain.Host{
		ID:               r.ID,
		Hostname:         r.Hostname,
		Address:          r.Address,
		Port:             r.Port,
		Enabled:          r.Enabled,
		LastConnectedAt:  r.LastConnectedAt.Time,
		LastSuccessAt:    r.LastSuccessAt.Time,
		LastFailureAt:    r.LastFailureAt.Time,
		LastErrorMessage: r.LastErrorMessage,
		SuccessCount:     r.SuccessCount,
		FailureCount:     r.FailureCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type resultRow struct {
	ID               string    `db:"id"`
	TaskID           string    `db:"task_id"`
	HostID           string    `db:"host_id"`
	Hostname         string    `db:"hostname"`
	QueryClass       string    `db:"query_class"`
	Status           string    `db:"status"`
	CollectionTime   time.Time `db:"collection_time"`
	RetryCount       int       `db:"retry_count"`
	Attempts         int       `db:"attempts"`
	RecordsCollected int       `db:"records_collected"`
	RawData          string    `db:"raw_data"`
	ProcessedData    string    `db:"processed_data"`
	ErrorMessage     string    `db:"error_message"`
	ErrorCode        string    `db:"error_code"`
	IsAnomaly        bool      `db:"is_anomaly"`
	AnomalyScore     float64   `db:"anomaly_score"`
	AnomalyReason    string    `db:"anomaly_reason"`
	DurationMS       int64     `db:"duration_ms"`
}

func newResultRow(r *domain.Result) *resultRow {
	return &resultRow{
		ID:               r.ID,
		TaskID:           r.TaskID,
		HostID:           r.HostID,
		Hostname:         r.Hostname,
		QueryClass:       r.QueryClass,
		Status:           string(r.Status),
		CollectionTime:   r.CollectionTime,
		RetryCount:       r.RetryCount,
		Attempts:         r.Attempts,
		RecordsCollected: r.RecordsCollected,
		RawData:          r.RawData,
		ProcessedData:    r.ProcessedData,
		ErrorMessage:     r.ErrorMessage,
		ErrorCode:        r.ErrorCode,
		IsAnomaly:        r.IsAnomaly,
		AnomalyScore:     r.AnomalyScore,
		AnomalyReason:    r.AnomalyReason,
		DurationMS:       r.Duration.Milliseconds(),
	}
}

func (r *resultRow) toDomain() *domain.Result {
	return &domain.Result{
		ID:               r.ID,
		TaskID:           r.TaskID,
		HostID:           r.HostID,
		Hostname:         r.Hostname,
		QueryClass:       r.QueryClass,
		Status:           domain.ResultStatus(r.Status),
		CollectionTime:   r.CollectionTime,
		RetryCount:       r.RetryCount,
		Attempts:         r.Attempts,
		RecordsCollected: r.RecordsCollected,
		RawData:          r.RawData,
		ProcessedData:    r.ProcessedData,
		ErrorMessage:     r.ErrorMessage,
		ErrorCode:        r.ErrorCode,
		IsAnomaly:        r.IsAnomaly,
		AnomalyScore:     r.AnomalyScore,
		AnomalyReason:    r.AnomalyReason,
		Duration:         time.Duration(r.DurationMS) * time.Millisecond,
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// window turns an open upper bound into one far in the future.
func window(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return from, to
}
