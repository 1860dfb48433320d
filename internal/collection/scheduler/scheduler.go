// Package scheduler re-drives due collection tasks through the engine.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/collection/metrics"
	"github.com/vietddude/collector/internal/infra/storage"
)

// Config holds scheduler settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// DispatchRate limits dispatched invocations per second. 0 disables the limit.
	DispatchRate float64 `yaml:"dispatch_rate"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		DispatchRate: 50,
	}
}

// Executor is the part of the engine the scheduler drives.
type Executor interface {
	ExecuteDueAsync(ctx context.Context, taskID string) *engine.Future
	IsRunning(taskID string) bool
}

// Scheduler polls for due tasks and queued retries.
type Scheduler struct {
	cfg     Config
	exec    Executor
	tasks   storage.TaskRepository
	retries storage.RetryQueue
	limiter *rate.Limiter
	clock   clock.Clock
	log     *slog.Logger

	// task IDs dispatched and not yet finished, including ones still
	// waiting for a worker slot
	pending sync.Map
}

// New creates a scheduler. retries may be nil.
func New(
	cfg Config,
	exec Executor,
	tasks storage.TaskRepository,
	retries storage.RetryQueue,
	clk clock.Clock,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if clk == nil {
		clk = clock.New()
	}

	limit := rate.Inf
	burst := 1
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
		burst = max(1, int(cfg.DispatchRate))
	}

	return &Scheduler{
		cfg:     cfg,
		exec:    exec,
		tasks:   tasks,
		retries: retries,
		limiter: rate.NewLimiter(limit, burst),
		clock:   clk,
		log:     slog.Default().With("component", "scheduler"),
	}
}

// Start runs the poll loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("Scheduler disabled")
		return
	}

	ticker := s.clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("Scheduler started", "poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("Scheduler poll failed", "error", err)
			}
		}
	}
}

// Poll dispatches everything due now and returns the dispatched task IDs.
func (s *Scheduler) Poll(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	seen := make(map[string]bool)
	var dispatched []string

	dispatch := func(id, source string) error {
		if seen[id] || s.exec.IsRunning(id) {
			return nil
		}
		seen[id] = true
		if _, loaded := s.pending.LoadOrStore(id, struct{}{}); loaded {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.pending.Delete(id)
			return err
		}
		// runs outlive the poll loop, the engine's Shutdown rejects queued ones
		f := s.exec.ExecuteDueAsync(context.WithoutCancel(ctx), id)
		metrics.SchedulerDispatched.WithLabelValues(source).Inc()
		dispatched = append(dispatched, id)
		go s.watch(f)
		return nil
	}

	if s.retries != nil {
		ids, err := s.retries.PopDue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.log.Warn("Failed to pop due retries", "error", err)
		}
		for _, id := range ids {
			if err := dispatch(id, "retry_queue"); err != nil {
				return dispatched, err
			}
		}
	}

	due, err := s.tasks.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return dispatched, err
	}
	for _, t := range due {
		if err := dispatch(t.ID, "due"); err != nil {
			return dispatched, err
		}
	}

	if len(dispatched) > 0 {
		s.log.Debug("Dispatched due tasks", "count", len(dispatched), "pending", s.pendingCount())
	}
	return dispatched, nil
}

// pendingCount returns the number of dispatched invocations not yet finished.
func (s *Scheduler) pendingCount() int {
	n := 0
	s.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Scheduler) watch(f *engine.Future) {
	<-f.Done()
	s.pending.Delete(f.TaskID)

	_, err := f.Wait(context.Background())
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, engine.ErrTaskAlreadyRunning),
		errors.Is(err, engine.ErrTaskNotDue),
		errors.Is(err, engine.ErrEngineShutdown):
		return
	}
	s.log.Warn("Scheduled invocation rejected", "task", f.TaskID, "error", err)
}
