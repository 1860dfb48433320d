package health

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// EngineState is the part of the engine the monitor reads.
type EngineState interface {
	ListRunning() []*domain.Task
	RetryBacklog(ctx context.Context) (int64, error)
}

// Thresholds decide when the collector is degraded or critical.
type Thresholds struct {
	DegradedFailedTasks  int   `yaml:"degraded_failed_tasks"`
	CriticalFailedTasks  int   `yaml:"critical_failed_tasks"`
	CriticalRetryBacklog int64 `yaml:"critical_retry_backlog"`
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedFailedTasks:  1,
		CriticalFailedTasks:  50,
		CriticalRetryBacklog: 1000,
	}
}

// Monitor aggregates health status from the engine and the store.
type Monitor struct {
	engine     EngineState
	tasks      storage.TaskRepository
	hosts      storage.HostRepository
	thresholds Thresholds
	clock      clock.Clock
	cacheFor   time.Duration
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	engine EngineState,
	tasks storage.TaskRepository,
	hosts storage.HostRepository,
	thresholds Thresholds,
	clk clock.Clock,
) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		engine:     engine,
		tasks:      tasks,
		hosts:      hosts,
		thresholds: thresholds,
		clock:      clk,
		cacheFor:   5 * time.Second,
	}
}

// CheckHealth builds a health report, reusing a recent one when available.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.lastReport != nil && now.Sub(m.lastReport.CheckedAt) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		RunningTasks: len(m.engine.ListRunning()),
		FailingHosts: []HostHealth{},
		CheckedAt:    now,
	}

	backlog, err := m.engine.RetryBacklog(ctx)
	if err == nil {
		report.RetryBacklog = backlog
	}

	failed, err := m.tasks.List(ctx, domain.TaskStatusFailed)
	if err != nil {
		report.SystemStatus = StatusCritical
		report.StoreError = err.Error()
		m.lastReport = &report
		return report
	}
	report.FailedTasks = len(failed)

	hosts, err := m.hosts.List(ctx)
	if err == nil {
		for _, h := range hosts {
			if !h.Enabled || h.LastFailureAt.IsZero() || h.LastFailureAt.Before(h.LastSuccessAt) {
				continue
			}
			report.FailingHosts = append(report.FailingHosts, HostHealth{
				HostID:        h.ID,
				Hostname:      h.Hostname,
				LastFailureAt: h.LastFailureAt,
				LastError:     h.LastErrorMessage,
				SuccessRate:   h.SuccessRate(),
			})
		}
	}

	// Evaluate Status
	t := m.thresholds
	if (t.CriticalFailedTasks > 0 && report.FailedTasks >= t.CriticalFailedTasks) ||
		(t.CriticalRetryBacklog > 0 && report.RetryBacklog >= t.CriticalRetryBacklog) {
		report.SystemStatus = StatusCritical
	} else if (t.DegradedFailedTasks > 0 && report.FailedTasks >= t.DegradedFailedTasks) ||
		len(report.FailingHosts) > 0 {
		report.SystemStatus = StatusDegraded
	}

	m.lastReport = &report
	return report
}
