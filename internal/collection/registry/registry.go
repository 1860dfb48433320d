// Package registry tracks the tasks currently executing in this process.
//
// A task enters the registry when an invocation starts and leaves it when the
// invocation exits. A cancelled run stops being listed as running at once but
// keeps its slot until it exits, so at most one invocation per task ID is ever
// in flight.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/collection/metrics"
	"github.com/vietddude/collector/internal/core/domain"
)

// StatusStore persists cancellation.
type StatusStore interface {
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, at time.Time) error
	BulkUpdateStatus(ctx context.Context, from, to domain.TaskStatus, at time.Time) (int64, error)
}

// Run is one registered invocation.
type Run struct {
	Task      *domain.Task
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	active    atomic.Bool
}

// Context is cancelled when the run is stopped or exits.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Cancelled reports whether an operator stopped the run.
func (r *Run) Cancelled() bool {
	return r.cancelled.Load()
}

// Registry is the running-task set. It is owned by the engine, not global.
type Registry struct {
	runs  sync.Map // task ID -> *Run
	count atomic.Int64
	store StatusStore
	clock clock.Clock
	log   *slog.Logger
}

// New creates an empty registry.
func New(store StatusStore, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		store: store,
		clock: clk,
		log:   slog.Default().With("component", "registry"),
	}
}

// Enter registers task. It returns false with the existing run when the task
// is already executing.
func (r *Registry) Enter(ctx context.Context, task *domain.Task) (*Run, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		Task:      task.Clone(),
		StartedAt: r.clock.Now(),
		ctx:       runCtx,
		cancel:    cancel,
	}

	run.active.Store(true)

	actual, loaded := r.runs.LoadOrStore(task.ID, run)
	if loaded {
		cancel()
		return actual.(*Run), false
	}
	metrics.RunningTasks.Set(float64(r.count.Add(1)))
	return run, true
}

// Exit unregisters run. A newer run of the same task is left alone.
func (r *Registry) Exit(run *Run) {
	r.runs.CompareAndDelete(run.Task.ID, run)
	r.deactivate(run)
	run.cancel()
}

// IsRunning reports whether id is registered and not cancelled.
func (r *Registry) IsRunning(id string) bool {
	v, ok := r.runs.Load(id)
	return ok && !v.(*Run).Cancelled()
}

// IsOccupied reports whether any invocation of id has not exited yet,
// including a cancelled one that is still finishing.
func (r *Registry) IsOccupied(id string) bool {
	_, ok := r.runs.Load(id)
	return ok
}

// ListRunning returns snapshots of the running, non-cancelled tasks ordered
// by ID.
func (r *Registry) ListRunning() []*domain.Task {
	var tasks []*domain.Task
	r.runs.Range(func(_, v any) bool {
		if run := v.(*Run); !run.Cancelled() {
			tasks = append(tasks, run.Task.Clone())
		}
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Len returns the number of running, non-cancelled runs.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Cancel marks the run of id cancelled, signals its context and persists
// CANCELLED. It reports whether the task was running here; a run that is
// already cancelled reports false.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	v, ok := r.runs.Load(id)
	if !ok {
		return false, nil
	}
	run := v.(*Run)
	if !run.cancelled.CompareAndSwap(false, true) {
		return false, nil
	}
	r.deactivate(run)
	run.cancel()
	metrics.TasksCancelled.Inc()

	if err := r.store.UpdateStatus(ctx, id, domain.TaskStatusCancelled, r.clock.Now()); err != nil {
		return true, fmt.Errorf("failed to persist cancellation of %s: %w", id, err)
	}
	r.log.Info("Task cancelled", "task", id, "running_for", r.clock.Now().Sub(run.StartedAt))
	return true, nil
}

// CancelAll cancels every local run and marks every RUNNING task in the store
// as CANCELLED, including tasks left RUNNING by a previous process.
func (r *Registry) CancelAll(ctx context.Context) (int64, error) {
	var local int
	r.runs.Range(func(_, v any) bool {
		run := v.(*Run)
		if run.cancelled.CompareAndSwap(false, true) {
			r.deactivate(run)
			run.cancel()
			local++
		}
		return true
	})
	metrics.TasksCancelled.Add(float64(local))

	n, err := r.store.BulkUpdateStatus(ctx, domain.TaskStatusRunning, domain.TaskStatusCancelled, r.clock.Now())
	if err != nil {
		return n, fmt.Errorf("failed to cancel running tasks: %w", err)
	}
	if local > 0 || n > 0 {
		r.log.Info("Cancelled all running tasks", "local", local, "persisted", n)
	}
	return n, nil
}

func (r *Registry) deactivate(run *Run) {
	if run.active.CompareAndSwap(true, false) {
		metrics.RunningTasks.Set(float64(r.count.Add(-1)))
	}
}
