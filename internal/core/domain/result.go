package domain

import "time"

// ResultStatus is SUCCESS or one of the error categories.
type ResultStatus string

const ResultStatusSuccess ResultStatus = "SUCCESS"

// Record is one row returned by a remote query.
type Record map[string]any

// Result is the immutable outcome of one engine invocation.
type Result struct {
	ID               string        `json:"id"                db:"id"`
	TaskID           string        `json:"task_id"           db:"task_id"`
	HostID           string        `json:"host_id"           db:"host_id"`
	Hostname         string        `json:"hostname"          db:"hostname"`
	QueryClass       string        `json:"query_class"       db:"query_class"`
	Status           ResultStatus  `json:"status"            db:"status"`
	CollectionTime   time.Time     `json:"collection_time"   db:"collection_time"`
	RetryCount       int           `json:"retry_count"       db:"retry_count"`
	Attempts         int           `json:"attempts"          db:"attempts"`
	RecordsCollected int           `json:"records_collected" db:"records_collected"`
	RawData          string        `json:"raw_data"          db:"raw_data"`
	ProcessedData    string        `json:"processed_data"    db:"processed_data"`
	ErrorMessage     string        `json:"error_message"     db:"error_message"`
	ErrorCode        string        `json:"error_code"        db:"error_code"`
	IsAnomaly        bool          `json:"is_anomaly"        db:"is_anomaly"`
	AnomalyScore     float64       `json:"anomaly_score"     db:"anomaly_score"`
	AnomalyReason    string        `json:"anomaly_reason"    db:"anomaly_reason"`
	Duration         time.Duration `json:"duration"          db:"duration"`
}

// Succeeded reports whether the result is a SUCCESS.
func (r *Result) Succeeded() bool {
	return r.Status == ResultStatusSuccess
}

// CollectionStatistics aggregates results over a time window.
type CollectionStatistics struct {
	From               time.Time              `json:"from"`
	To                 time.Time              `json:"to"`
	TotalCollections   int64                  `json:"total_collections"`
	SuccessCollections int64                  `json:"success_collections"`
	FailureCollections int64                  `json:"failure_collections"`
	SuccessRate        float64                `json:"success_rate"`
	ByStatus           map[ResultStatus]int64 `json:"by_status"`
	ByHost             map[string]int64       `json:"by_host"`
}

// HostStatistics aggregates one host's results over a time window.
type HostStatistics struct {
	HostID             string        `json:"host_id"`
	Hostname           string        `json:"hostname"`
	Address            string        `json:"address"`
	TotalCollections   int64         `json:"total_collections"`
	SuccessCollections int64         `json:"success_collections"`
	FailureCollections int64         `json:"failure_collections"`
	SuccessRate        float64       `json:"success_rate"`
	AvgDuration        time.Duration `json:"avg_duration"`
}
