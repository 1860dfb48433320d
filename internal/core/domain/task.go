package domain

import "time"

// TaskStatus is the lifecycle state of a collection task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusRetrying  TaskStatus = "RETRYING"
	TaskStatusSuccess   TaskStatus = "SUCCESS" // transient, task returns to PENDING
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// PolicyKind names the retry strategy a task is collected with.
type PolicyKind string

const (
	PolicyQuick       PolicyKind = "quick"
	PolicyStandard    PolicyKind = "standard"
	PolicyExponential PolicyKind = "exponential"
	PolicyLong        PolicyKind = "long"
)

// RetryMode selects where retries happen.
type RetryMode string

const (
	// RetryModeDefault defers to the policy's own mode.
	RetryModeDefault RetryMode = ""
	// RetryModeInCall retries inside one execution, blocking the worker.
	RetryModeInCall RetryMode = "in_call"
	// RetryModeScheduled makes one attempt per execution and defers the rest
	// through NextCollectionTime.
	RetryModeScheduled RetryMode = "scheduled"
)

// QueryClassProbe is the query class used for connectivity probes.
const QueryClassProbe = "probe"

// Task is a recurring unit of remote collection against one host and query class.
type Task struct {
	ID         string            `json:"id"          db:"id"`
	HostID     string            `json:"host_id"     db:"host_id"`
	QueryClass string            `json:"query_class" db:"query_class"`
	Parameters map[string]string `json:"parameters"  db:"-"`
	Status     TaskStatus        `json:"status"      db:"status"`
	Policy     PolicyKind        `json:"policy"      db:"policy"`
	RetryMode  RetryMode         `json:"retry_mode"  db:"retry_mode"`
	Interval   time.Duration     `json:"interval"    db:"interval"`
	Enabled    bool              `json:"enabled"     db:"enabled"`

	MaxRetryCount     int `json:"max_retry_count"     db:"max_retry_count"`
	CurrentRetryCount int `json:"current_retry_count" db:"current_retry_count"`

	LastCollectionTime time.Time `json:"last_collection_time" db:"last_collection_time"`
	NextCollectionTime time.Time `json:"next_collection_time" db:"next_collection_time"`
	LastSuccessTime    time.Time `json:"last_success_time"    db:"last_success_time"`
	LastErrorTime      time.Time `json:"last_error_time"      db:"last_error_time"`
	LastErrorMessage   string    `json:"last_error_message"   db:"last_error_message"`

	// LastErrorCategory is the category of the latest failure, empty after a success.
	LastErrorCategory ErrorCategory `json:"last_error_category,omitempty" db:"last_error_category"`

	TotalCollections      int64 `json:"total_collections"      db:"total_collections"`
	SuccessfulCollections int64 `json:"successful_collections" db:"successful_collections"`
	FailedCollections     int64 `json:"failed_collections"     db:"failed_collections"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SuccessRate returns successful / total collections, 0 when nothing ran yet.
func (t *Task) SuccessRate() float64 {
	if t.TotalCollections == 0 {
		return 0
	}
	return float64(t.SuccessfulCollections) / float64(t.TotalCollections)
}

// Clone returns a copy safe to hand to other goroutines.
func (t *Task) Clone() *Task {
	c := *t
	if t.Parameters != nil {
		c.Parameters = make(map[string]string, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

// TaskStatusSnapshot is the read model returned by status queries.
type TaskStatusSnapshot struct {
	TaskID                string     `json:"task_id"`
	HostID                string     `json:"host_id"`
	QueryClass            string     `json:"query_class"`
	Status                TaskStatus `json:"status"`
	CurrentRetryCount     int        `json:"current_retry_count"`
	MaxRetryCount         int        `json:"max_retry_count"`
	LastCollectionTime    time.Time  `json:"last_collection_time"`
	NextCollectionTime    time.Time  `json:"next_collection_time"`
	LastSuccessTime       time.Time  `json:"last_success_time"`
	LastErrorTime         time.Time  `json:"last_error_time"`
	LastErrorMessage      string     `json:"last_error_message"`
	TotalCollections      int64      `json:"total_collections"`
	SuccessfulCollections int64      `json:"successful_collections"`
	FailedCollections     int64      `json:"failed_collections"`
	SuccessRate           float64    `json:"success_rate"`
	IsRunning             bool       `json:"is_running"`
}
