// Package health provides collector health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// HostHealth describes a host whose latest connection attempt failed.
type HostHealth struct {
	HostID        string    `json:"host_id"`
	Hostname      string    `json:"hostname"`
	LastFailureAt time.Time `json:"last_failure_at"`
	LastError     string    `json:"last_error"`
	SuccessRate   float64   `json:"success_rate"`
}

// HealthReport contains the full collector health report.
type HealthReport struct {
	SystemStatus SystemStatus `json:"system_status"`
	RunningTasks int          `json:"running_tasks"`
	RetryBacklog int64        `json:"retry_backlog"`
	FailedTasks  int          `json:"failed_tasks"`
	FailingHosts []HostHealth `json:"failing_hosts"`
	StoreError   string       `json:"store_error,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}
