// Package stats maintains per-task and per-host collection counters.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// HostCounters records per-host outcomes. Implementations must increment
// atomically since one host serves many tasks.
type HostCounters interface {
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, msg string) error
}

// Tracker applies invocation outcomes to task and host statistics.
type Tracker struct {
	hosts HostCounters
	log   *slog.Logger
}

// NewTracker creates a tracker.
func NewTracker(hosts HostCounters) *Tracker {
	return &Tracker{
		hosts: hosts,
		log:   slog.Default().With("component", "stats"),
	}
}

// RecordSuccess updates task after a successful invocation.
func (t *Tracker) RecordSuccess(ctx context.Context, task *domain.Task, at time.Time) error {
	task.TotalCollections++
	task.SuccessfulCollections++
	task.LastSuccessTime = at
	task.CurrentRetryCount = 0
	task.LastErrorMessage = ""
	task.LastErrorCategory = ""

	return t.recordHost(ctx, task.HostID, func() error {
		return t.hosts.RecordSuccess(ctx, task.HostID, at)
	})
}

// RecordFailure updates task after a failed invocation of category cat. used
// is the number of attempts consumed from the budget so far; the stored retry
// count never exceeds the task's MaxRetryCount.
func (t *Tracker) RecordFailure(
	ctx context.Context,
	task *domain.Task,
	used int,
	cat domain.ErrorCategory,
	msg string,
	at time.Time,
) error {
	task.TotalCollections++
	task.FailedCollections++
	task.LastErrorTime = at
	task.LastErrorMessage = msg
	task.LastErrorCategory = cat
	task.CurrentRetryCount = min(max(used, 0), max(task.MaxRetryCount, 0))

	return t.recordHost(ctx, task.HostID, func() error {
		return t.hosts.RecordFailure(ctx, task.HostID, at, msg)
	})
}

func (t *Tracker) recordHost(ctx context.Context, hostID string, fn func() error) error {
	err := fn()
	if errors.Is(err, storage.ErrHostNotFound) {
		t.log.Debug("Skipping host stats for unknown host", "host", hostID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update host %s stats: %w", hostID, err)
	}
	return nil
}
