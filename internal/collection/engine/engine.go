// Package engine composes the executor, registry, statistics and retry
// policies into the collection engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/collector/internal/collection/executor"
	"github.com/vietddude/collector/internal/collection/metrics"
	"github.com/vietddude/collector/internal/collection/registry"
	"github.com/vietddude/collector/internal/collection/stats"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/core/taskstate"
	"github.com/vietddude/collector/internal/infra/storage"
)

var (
	// ErrTaskAlreadyRunning is returned when an invocation of the task is in flight.
	ErrTaskAlreadyRunning = errors.New("task already running")

	// ErrTaskDisabled is returned when a disabled task is executed.
	ErrTaskDisabled = errors.New("task disabled")

	// ErrTaskNotDue is returned by ExecuteDue when the task's next collection
	// time is still in the future.
	ErrTaskNotDue = errors.New("task not due")

	// ErrEngineShutdown is returned for queued invocations once Shutdown was called.
	ErrEngineShutdown = errors.New("engine shut down")
)

// Config holds engine settings.
type Config struct {
	// Workers bounds concurrent invocations started through ExecuteAsync and
	// ExecuteBatch.
	Workers int `yaml:"workers"`

	// DefaultInterval reschedules successful tasks that have no interval.
	DefaultInterval time.Duration `yaml:"default_interval"`

	Executor executor.Config `yaml:",inline"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:         10,
		DefaultInterval: 5 * time.Minute,
		Executor:        executor.DefaultConfig(),
	}
}

// Deps are the collaborators the engine is composed from.
type Deps struct {
	Tasks    storage.TaskRepository
	Hosts    storage.HostRepository
	Results  storage.ResultRepository
	Retries  storage.RetryQueue // optional
	Executor *executor.Executor
	Clock    clock.Clock
}

// Engine executes collection tasks.
type Engine struct {
	cfg      Config
	tasks    storage.TaskRepository
	hosts    storage.HostRepository
	results  storage.ResultRepository
	retries  storage.RetryQueue
	executor *executor.Executor
	registry *registry.Registry
	stats    *stats.Tracker
	clock    clock.Clock
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	log      *slog.Logger

	closing  context.Context
	shutdown context.CancelFunc

	onTransition func(taskstate.Transition)
	mu           sync.RWMutex
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultConfig().DefaultInterval
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	closing, shutdown := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		tasks:    deps.Tasks,
		hosts:    deps.Hosts,
		results:  deps.Results,
		retries:  deps.Retries,
		executor: deps.Executor,
		registry: registry.New(deps.Tasks, clk),
		stats:    stats.NewTracker(deps.Hosts),
		clock:    clk,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		log:      slog.Default().With("component", "engine"),
		closing:  closing,
		shutdown: shutdown,
	}
}

// SetStateChangeCallback registers a function called on every task state change.
func (e *Engine) SetStateChangeCallback(fn func(taskstate.Transition)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransition = fn
}

// Execute runs one invocation of the task synchronously. Collection failures
// are reported in the returned Result; the error is set only when the
// invocation was rejected or its outcome could not be persisted.
func (e *Engine) Execute(ctx context.Context, taskID string) (*domain.Result, error) {
	return e.execute(ctx, taskID, false)
}

// ExecuteDue is Execute for scheduled invocations: it returns ErrTaskNotDue
// when the task, as read after claiming it, is not due yet.
func (e *Engine) ExecuteDue(ctx context.Context, taskID string) (*domain.Result, error) {
	return e.execute(ctx, taskID, true)
}

func (e *Engine) execute(ctx context.Context, taskID string, dueOnly bool) (*domain.Result, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	run, ok := e.registry.Enter(ctx, task)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, taskID)
	}
	defer e.registry.Exit(run)

	// reload now that we own the task so counters are never stale
	task, err = e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if !task.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, taskID)
	}
	if !taskstate.IsRunnable(task.Status) {
		return nil, fmt.Errorf("%w: %s cannot run from %s",
			taskstate.ErrInvalidTransition, taskID, task.Status)
	}

	start := e.clock.Now()
	if dueOnly && task.NextCollectionTime.After(start) {
		return nil, fmt.Errorf("%w: %s until %s", ErrTaskNotDue, taskID, task.NextCollectionTime)
	}
	if err := e.transition(task, domain.TaskStatusRunning, "invocation started"); err != nil {
		return nil, err
	}
	task.LastCollectionTime = start
	task.UpdatedAt = start
	if err := e.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}

	outcome := e.executor.Execute(run.Context(), task)

	// the outcome is recorded even when the caller gave up meanwhile
	return e.finish(context.WithoutCancel(ctx), run, task, outcome)
}

func (e *Engine) finish(
	ctx context.Context,
	run *registry.Run,
	task *domain.Task,
	outcome *executor.Outcome,
) (*domain.Result, error) {
	now := e.clock.Now()
	result := outcome.Result
	var errs *multierror.Error

	if err := e.results.Save(ctx, result); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to save result: %w", err))
	}

	metrics.ExecutionsTotal.WithLabelValues(task.QueryClass, string(result.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(task.QueryClass).Observe(result.Duration.Seconds())

	budget := outcome.Policy.Budget(task)
	used := task.CurrentRetryCount + outcome.Attempts

	if outcome.Succeeded() {
		if err := e.stats.RecordSuccess(ctx, task, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	} else {
		if err := e.stats.RecordFailure(ctx, task, used, outcome.Category, outcome.Err.Error(), now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	switch {
	case run.Cancelled():
		_ = e.transition(task, domain.TaskStatusCancelled, "stopped during invocation")

	case outcome.Succeeded():
		_ = e.transition(task, domain.TaskStatusSuccess, "collected")
		_ = e.transition(task, domain.TaskStatusPending, "awaiting next collection")
		interval := task.Interval
		if interval <= 0 {
			interval = e.cfg.DefaultInterval
		}
		task.NextCollectionTime = now.Add(interval)
		e.unschedule(ctx, task.ID)

	case outcome.Retryable && used < budget:
		delay := outcome.Policy.Delay(used - 1)
		_ = e.transition(task, domain.TaskStatusRetrying,
			fmt.Sprintf("%s failure, retry %d/%d in %s", outcome.Category, used, budget, delay))
		task.NextCollectionTime = now.Add(delay)
		metrics.RetriesScheduled.WithLabelValues(string(outcome.Policy.Kind)).Inc()
		if e.retries != nil {
			if err := e.retries.Schedule(ctx, task.ID, task.NextCollectionTime); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("failed to schedule retry: %w", err))
			}
		}

	default:
		_ = e.transition(task, domain.TaskStatusFailed,
			fmt.Sprintf("%s failure after %d attempts", outcome.Category, used))
		e.unschedule(ctx, task.ID)
	}

	task.UpdatedAt = now
	if err := e.tasks.Save(ctx, task); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to save task: %w", err))
	}
	// a stop that raced with the save above must still win
	if run.Cancelled() && task.Status != domain.TaskStatusCancelled {
		if err := e.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusCancelled, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	e.log.Debug("Invocation finished",
		"task", task.ID,
		"status", task.Status,
		"result", result.Status,
		"attempts", outcome.Attempts,
		"duration", result.Duration,
	)

	return result, errs.ErrorOrNil()
}

// ExecuteAsync starts an invocation on the worker pool.
func (e *Engine) ExecuteAsync(ctx context.Context, taskID string) *Future {
	return e.async(ctx, taskID, false)
}

// ExecuteDueAsync starts an ExecuteDue invocation on the worker pool.
func (e *Engine) ExecuteDueAsync(ctx context.Context, taskID string) *Future {
	return e.async(ctx, taskID, true)
}

func (e *Engine) async(ctx context.Context, taskID string, dueOnly bool) *Future {
	f := newFuture(taskID)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.acquire(ctx); err != nil {
			f.complete(nil, err)
			return
		}
		defer e.sem.Release(1)
		f.complete(e.execute(ctx, taskID, dueOnly))
	}()
	return f
}

// acquire takes a worker slot. It gives up when ctx is done or the engine
// shuts down while waiting.
func (e *Engine) acquire(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.closing, cancel)
	defer stop()

	if err := e.sem.Acquire(actx, 1); err != nil {
		if e.closing.Err() != nil {
			return ErrEngineShutdown
		}
		return err
	}
	if e.closing.Err() != nil {
		e.sem.Release(1)
		return ErrEngineShutdown
	}
	return nil
}

// Shutdown rejects every invocation still waiting for a worker slot and every
// later one started through the pool. Invocations already running are not
// affected.
func (e *Engine) Shutdown() {
	e.shutdown()
}

// ExecuteBatch runs the given tasks on the worker pool and returns their
// results in input order. Rejected tasks leave a nil slot and contribute to
// the returned error.
func (e *Engine) ExecuteBatch(ctx context.Context, taskIDs []string) ([]*domain.Result, error) {
	results := make([]*domain.Result, len(taskIDs))
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, id := range taskIDs {
		g.Go(func() error {
			if err := e.acquire(ctx); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("task %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			defer e.sem.Release(1)

			res, err := e.Execute(ctx, id)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("task %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errs.ErrorOrNil()
}

// Wait blocks until every ExecuteAsync and ExecuteDueAsync invocation has
// finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// ListRunning returns snapshots of the tasks executing in this process.
func (e *Engine) ListRunning() []*domain.Task {
	return e.registry.ListRunning()
}

// IsRunning reports whether the task is executing in this process.
func (e *Engine) IsRunning(taskID string) bool {
	return e.registry.IsRunning(taskID)
}

// GetStatus returns the status snapshot of a task.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (*domain.TaskStatusSnapshot, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &domain.TaskStatusSnapshot{
		TaskID:                task.ID,
		HostID:                task.HostID,
		QueryClass:            task.QueryClass,
		Status:                task.Status,
		CurrentRetryCount:     task.CurrentRetryCount,
		MaxRetryCount:         task.MaxRetryCount,
		LastCollectionTime:    task.LastCollectionTime,
		NextCollectionTime:    task.NextCollectionTime,
		LastSuccessTime:       task.LastSuccessTime,
		LastErrorTime:         task.LastErrorTime,
		LastErrorMessage:      task.LastErrorMessage,
		TotalCollections:      task.TotalCollections,
		SuccessfulCollections: task.SuccessfulCollections,
		FailedCollections:     task.FailedCollections,
		SuccessRate:           task.SuccessRate(),
		IsRunning:             e.registry.IsRunning(task.ID),
	}, nil
}

// Stop cancels a task. A running invocation is signalled and finishes on its
// own; its Result is still recorded.
func (e *Engine) Stop(ctx context.Context, taskID string) error {
	wasRunning, err := e.registry.Cancel(ctx, taskID)
	if err != nil {
		return err
	}
	if wasRunning {
		e.notify(taskstate.NewTransition(taskID, domain.TaskStatusRunning,
			domain.TaskStatusCancelled, "stopped", e.clock.Now()))
		e.unschedule(ctx, taskID)
		return nil
	}

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusCancelled {
		return nil
	}
	if err := e.transition(task, domain.TaskStatusCancelled, "stopped"); err != nil {
		return err
	}
	if err := e.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusCancelled, e.clock.Now()); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	metrics.TasksCancelled.Inc()
	e.unschedule(ctx, taskID)
	return nil
}

// StopAll cancels every running task, including ones left RUNNING in the
// store by an earlier process. It returns the number of tasks cancelled in
// the store.
func (e *Engine) StopAll(ctx context.Context) (int64, error) {
	return e.registry.CancelAll(ctx)
}

// Reset clears the retry budget of a FAILED or CANCELLED task and makes it
// due immediately. A stopped invocation that is still finishing blocks it.
func (e *Engine) Reset(ctx context.Context, taskID string) error {
	if e.registry.IsOccupied(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, taskID)
	}
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !taskstate.CanReset(task.Status) {
		return fmt.Errorf("%w: cannot reset %s task %s",
			taskstate.ErrInvalidTransition, task.Status, taskID)
	}

	now := e.clock.Now()
	from := task.Status
	task.Status = domain.TaskStatusPending
	task.CurrentRetryCount = 0
	task.LastErrorCategory = ""
	task.NextCollectionTime = now
	task.UpdatedAt = now
	if err := e.tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("failed to reset task: %w", err)
	}
	e.unschedule(ctx, taskID)
	e.notify(taskstate.NewTransition(taskID, from, domain.TaskStatusPending, "reset", now))
	e.log.Info("Task reset", "task", taskID, "from", from)
	return nil
}

// CleanupExpired deletes results collected before the given time.
func (e *Engine) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := e.results.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired results: %w", err)
	}
	metrics.ResultsPruned.Add(float64(n))
	return n, nil
}

// Statistics aggregates results collected in [from, to).
func (e *Engine) Statistics(ctx context.Context, from, to time.Time) (*domain.CollectionStatistics, error) {
	return e.results.Statistics(ctx, from, to)
}

// HostStatistics aggregates one host's results collected in [from, to).
func (e *Engine) HostStatistics(
	ctx context.Context,
	hostID string,
	from, to time.Time,
) (*domain.HostStatistics, error) {
	return e.results.HostStatistics(ctx, hostID, from, to)
}

// RetryBacklog returns the number of queued scheduled retries.
func (e *Engine) RetryBacklog(ctx context.Context) (int64, error) {
	if e.retries == nil {
		return 0, nil
	}
	return e.retries.Len(ctx)
}

func (e *Engine) transition(task *domain.Task, to domain.TaskStatus, reason string) error {
	t := taskstate.NewTransition(task.ID, task.Status, to, reason, e.clock.Now())
	if !t.IsValid() {
		return fmt.Errorf("%w: %s -> %s for task %s",
			taskstate.ErrInvalidTransition, t.From, t.To, task.ID)
	}
	task.Status = to
	e.notify(t)
	return nil
}

func (e *Engine) notify(t taskstate.Transition) {
	e.mu.RLock()
	fn := e.onTransition
	e.mu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

func (e *Engine) unschedule(ctx context.Context, taskID string) {
	if e.retries == nil {
		return
	}
	if err := e.retries.Remove(ctx, taskID); err != nil {
		e.log.Warn("Failed to remove queued retry", "task", taskID, "error", err)
	}
}
