// Package executor runs one collection invocation against the query adapter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/collection/classify"
	"github.com/vietddude/collector/internal/collection/metrics"
	"github.com/vietddude/collector/internal/collection/retry"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/query"
)

// ErrHostUnavailable is reported when the task's host is missing or disabled.
var ErrHostUnavailable = errors.New("host unavailable")

// maxInCallDelay bounds a single in-call sleep.
const maxInCallDelay = time.Second

// HostSource resolves hosts by ID.
type HostSource interface {
	Get(ctx context.Context, id string) (*domain.Host, error)
}

// Config holds executor tuning.
type Config struct {
	// InCallDelayCap bounds the sleep between in-call attempts. Values of one
	// second or more are clamped below a second.
	InCallDelayCap time.Duration `yaml:"in_call_delay_cap"`

	// AnomalyThreshold is the score at or above which a result is anomalous.
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		InCallDelayCap:   500 * time.Millisecond,
		AnomalyThreshold: 0.8,
	}
}

// Outcome is what one invocation produced.
type Outcome struct {
	Result   *domain.Result
	Err      error
	Category domain.ErrorCategory
	Attempts int

	// Retryable reports whether the final failure may be retried later.
	Retryable bool

	Policy retry.Policy
}

// Succeeded reports whether the invocation collected data.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil
}

// Executor performs invocations. It never mutates the task it is given.
type Executor struct {
	hosts    HostSource
	adapter  query.Adapter
	policies retry.Selector
	clock    clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	cfg      Config
	log      *slog.Logger
}

// New creates an executor.
func New(
	hosts HostSource,
	adapter query.Adapter,
	policies retry.Selector,
	clk clock.Clock,
	cfg Config,
) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.InCallDelayCap <= 0 || cfg.InCallDelayCap >= maxInCallDelay {
		cfg.InCallDelayCap = DefaultConfig().InCallDelayCap
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = DefaultConfig().AnomalyThreshold
	}
	e := &Executor{
		hosts:    hosts,
		adapter:  adapter,
		policies: policies,
		clock:    clk,
		cfg:      cfg,
		log:      slog.Default().With("component", "executor"),
	}
	e.sleep = e.clockSleep
	return e
}

// SetSleepFunc replaces the function used between in-call attempts.
func (e *Executor) SetSleepFunc(f func(ctx context.Context, d time.Duration) error) {
	e.sleep = f
}

// Execute runs task once, retrying in-call when its policy says so.
func (e *Executor) Execute(ctx context.Context, task *domain.Task) *Outcome {
	start := e.clock.Now()
	policy := e.policies.Select(task)

	result := &domain.Result{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		HostID:         task.HostID,
		QueryClass:     task.QueryClass,
		CollectionTime: start,
	}

	host, err := e.resolveHost(ctx, task.HostID)
	if err != nil {
		cerr := domain.NewCollectionError(domain.CategoryConnection, task.HostID, task.QueryClass, err)
		return e.failAfter(result, task, policy, cerr, 1, start, task.LastErrorCategory)
	}
	result.Hostname = host.Hostname

	attempts := policy.AttemptsFor(task)
	prev := task.LastErrorCategory
	var lastErr error
	made := 0
	for i := 1; i <= attempts; i++ {
		made = i
		metrics.AttemptsTotal.WithLabelValues(task.QueryClass).Inc()

		records, err := e.adapter.Query(ctx, host, task.QueryClass, task.Parameters)
		if err == nil {
			return e.succeed(result, task, policy, records, made, start)
		}
		lastErr = err

		cat := classify.Classify(err)
		metrics.ErrorsTotal.WithLabelValues(task.QueryClass, string(cat)).Inc()

		if i == attempts || !classify.IsRetryable(cat, prev) || ctx.Err() != nil {
			break
		}
		overall := task.CurrentRetryCount + i

		delay := min(policy.Delay(overall-1), e.cfg.InCallDelayCap)
		e.log.Debug("Retrying in-call",
			"task", task.ID,
			"host", host.Hostname,
			"attempt", i,
			"category", cat,
			"delay", delay,
		)
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
		prev = cat
	}

	return e.failAfter(result, task, policy, lastErr, made, start, prev)
}

func (e *Executor) resolveHost(ctx context.Context, id string) (*domain.Host, error) {
	host, err := e.hosts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHostUnavailable, err)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: %s not found", ErrHostUnavailable, id)
	}
	if !host.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrHostUnavailable, host.Hostname)
	}
	return host, nil
}

func (e *Executor) succeed(
	result *domain.Result,
	task *domain.Task,
	policy retry.Policy,
	records []domain.Record,
	attempts int,
	start time.Time,
) *Outcome {
	payload, err := BuildPayload(task.QueryClass, records, start)
	if err != nil {
		cerr := domain.NewCollectionError(domain.CategoryData, result.Hostname, task.QueryClass, err)
		return e.failAfter(result, task, policy, cerr, attempts, start, "")
	}

	result.Status = domain.ResultStatusSuccess
	result.Attempts = attempts
	result.RetryCount = task.CurrentRetryCount + attempts - 1
	result.RecordsCollected = len(records)
	result.RawData = payload.Raw
	result.ProcessedData = payload.Processed
	result.AnomalyScore = payload.AnomalyScore
	if payload.AnomalyScore >= e.cfg.AnomalyThreshold {
		result.IsAnomaly = true
		result.AnomalyReason = fmt.Sprintf(
			"anomaly score %.2f at or above threshold %.2f",
			payload.AnomalyScore, e.cfg.AnomalyThreshold,
		)
		metrics.AnomaliesDetected.WithLabelValues(task.QueryClass).Inc()
	}
	result.Duration = e.clock.Now().Sub(start)

	return &Outcome{
		Result:   result,
		Attempts: attempts,
		Policy:   policy,
	}
}

// failAfter builds the failed outcome. prev is the category of the failure
// before err within the task's retry budget.
func (e *Executor) failAfter(
	result *domain.Result,
	task *domain.Task,
	policy retry.Policy,
	err error,
	attempts int,
	start time.Time,
	prev domain.ErrorCategory,
) *Outcome {
	cat := classify.Classify(err)
	result.Status = cat.ResultStatus()
	result.Attempts = attempts
	result.RetryCount = task.CurrentRetryCount + attempts - 1
	result.ErrorMessage = err.Error()
	result.ErrorCode = classify.ErrorCode(err)
	result.Duration = e.clock.Now().Sub(start)

	return &Outcome{
		Result:    result,
		Err:       err,
		Category:  cat,
		Attempts:  attempts,
		Retryable: classify.IsRetryable(cat, prev),
		Policy:    policy,
	}
}

func (e *Executor) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
