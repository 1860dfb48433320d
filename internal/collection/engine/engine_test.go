package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/collector/internal/collection/executor"
	"github.com/vietddude/collector/internal/collection/retry"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/core/taskstate"
	"github.com/vietddude/collector/internal/infra/query"
	"github.com/vietddude/collector/internal/infra/storage/memory"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// ===== Scripted Adapter =====

type scriptedAdapter struct {
	mu    sync.Mutex
	calls int
	steps []func(ctx context.Context) ([]domain.Record, error)
}

func (a *scriptedAdapter) Query(ctx context.Context, h *domain.Host, qc string, p map[string]string) ([]domain.Record, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	step := a.steps[i]
	a.mu.Unlock()
	return step(ctx)
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func fails(err error) func(context.Context) ([]domain.Record, error) {
	return func(context.Context) ([]domain.Record, error) { return nil, err }
}

func succeeds() func(context.Context) ([]domain.Record, error) {
	return func(context.Context) ([]domain.Record, error) {
		return []domain.Record{{"Name": "svchost.exe"}}, nil
	}
}

// blocks until the invocation context is cancelled
func blocks(started chan<- struct{}) func(context.Context) ([]domain.Record, error) {
	return func(ctx context.Context) ([]domain.Record, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

var errRefused = domain.NewCollectionError(domain.CategoryConnection, "srv-01", "", errors.New("connection refused"))

// ===== Harness =====

type harness struct {
	engine  *Engine
	tasks   *memory.TaskRepo
	hosts   *memory.HostRepo
	results *memory.ResultRepo
	retries *memory.RetryQueue
	clock   *clock.Mock

	mu          sync.Mutex
	transitions []taskstate.Transition
}

func newHarness(t *testing.T, adapter query.Adapter) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	mock := clock.NewMock()
	mock.Set(base)

	h := &harness{
		tasks:   memory.NewTaskRepo(store),
		hosts:   memory.NewHostRepo(store),
		results: memory.NewResultRepo(store),
		retries: memory.NewRetryQueue(store),
		clock:   mock,
	}
	_ = h.hosts.Save(context.Background(), &domain.Host{ID: "h1", Hostname: "srv-01", Enabled: true})

	exec := executor.New(h.hosts, adapter, retry.NewSet(retry.DefaultConfig()), mock, executor.DefaultConfig())
	exec.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	h.engine = New(Deps{
		Tasks:    h.tasks,
		Hosts:    h.hosts,
		Results:  h.results,
		Retries:  h.retries,
		Executor: exec,
		Clock:    mock,
	}, Config{Workers: 4, DefaultInterval: time.Minute})
	h.engine.SetStateChangeCallback(func(tr taskstate.Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, tr)
	})
	return h
}

func (h *harness) addTask(t *testing.T, task *domain.Task) {
	t.Helper()
	if task.HostID == "" {
		task.HostID = "h1"
	}
	if task.QueryClass == "" {
		task.QueryClass = "Win32_Process"
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	task.Enabled = true
	if err := h.tasks.Save(context.Background(), task); err != nil {
		t.Fatalf("save task: %v", err)
	}
}

func (h *harness) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (h *harness) sawTransitionTo(s domain.TaskStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tr := range h.transitions {
		if tr.To == s {
			return true
		}
	}
	return false
}

// Scenario A: in-call Standard retries recover on the third attempt.
func TestExecute_InCallRecovers(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		fails(errRefused), fails(errRefused), succeeds(),
	}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3, RetryMode: domain.RetryModeInCall, Interval: 5 * time.Minute})

	res, err := h.engine.Execute(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != domain.ResultStatusSuccess || res.Attempts != 3 {
		t.Errorf("expected SUCCESS after 3 attempts, got %s/%d", res.Status, res.Attempts)
	}

	task := h.task(t, "t1")
	if task.Status != domain.TaskStatusPending {
		t.Errorf("expected PENDING, got %s", task.Status)
	}
	if task.CurrentRetryCount != 0 || task.SuccessfulCollections != 1 || task.TotalCollections != 1 {
		t.Errorf("unexpected counters: %+v", task)
	}
	if !task.NextCollectionTime.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("unexpected next collection %v", task.NextCollectionTime)
	}
	if h.engine.IsRunning("t1") {
		t.Error("task should have left the registry")
	}

	host, _ := h.hosts.Get(context.Background(), "h1")
	if host.SuccessCount != 1 {
		t.Errorf("expected host success count 1, got %d", host.SuccessCount)
	}
}

// Scenario B: a permission failure is terminal on the first invocation.
func TestExecute_PermissionFailsImmediately(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		fails(status.Error(codes.PermissionDenied, "access denied")),
	}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3, RetryMode: domain.RetryModeInCall})

	res, err := h.engine.Execute(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != domain.ResultStatus(domain.CategoryPermission) {
		t.Errorf("expected PERMISSION result, got %s", res.Status)
	}
	if adapter.callCount() != 1 {
		t.Errorf("expected a single attempt, got %d", adapter.callCount())
	}

	task := h.task(t, "t1")
	if task.Status != domain.TaskStatusFailed || task.FailedCollections != 1 {
		t.Errorf("expected FAILED with 1 failure, got %s/%d", task.Status, task.FailedCollections)
	}
	if h.sawTransitionTo(domain.TaskStatusRetrying) {
		t.Error("RETRYING must never be observed for a permission failure")
	}
	if n, _ := h.retries.Len(context.Background()); n != 0 {
		t.Errorf("no retry should be queued, got %d", n)
	}
}

func TestExecute_ScheduledRetriesUntilBudget(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){fails(errRefused)}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for k := 1; k <= 3; k++ {
		now := h.clock.Now()
		if _, err := h.engine.Execute(context.Background(), "t1"); err != nil {
			t.Fatalf("attempt %d: %v", k, err)
		}
		task := h.task(t, "t1")

		if task.CurrentRetryCount > task.MaxRetryCount {
			t.Fatalf("retry count %d exceeds max %d", task.CurrentRetryCount, task.MaxRetryCount)
		}
		if k < 3 {
			if task.Status != domain.TaskStatusRetrying {
				t.Fatalf("attempt %d: expected RETRYING, got %s", k, task.Status)
			}
			if !task.NextCollectionTime.Equal(now.Add(wantDelays[k-1])) {
				t.Errorf("attempt %d: next collection %v, want now+%v", k, task.NextCollectionTime, wantDelays[k-1])
			}
			if n, _ := h.retries.Len(context.Background()); n != 1 {
				t.Errorf("attempt %d: expected queued retry", k)
			}
		} else if task.Status != domain.TaskStatusFailed {
			t.Fatalf("attempt %d: expected FAILED, got %s", k, task.Status)
		}
		h.clock.Add(time.Minute)
	}

	task := h.task(t, "t1")
	if task.CurrentRetryCount != 3 || task.FailedCollections != 3 || task.TotalCollections != 3 {
		t.Errorf("unexpected counters: %+v", task)
	}
	if n, _ := h.retries.Len(context.Background()); n != 0 {
		t.Errorf("failed task should not stay queued, got %d", n)
	}

	_, err := h.engine.Execute(context.Background(), "t1")
	if !errors.Is(err, taskstate.ErrInvalidTransition) {
		t.Errorf("executing a FAILED task should be rejected, got %v", err)
	}
}

func TestExecute_CountersAlwaysAddUp(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		fails(errRefused), succeeds(), fails(errRefused), fails(errRefused), succeeds(),
	}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 5})

	for i := 0; i < 5; i++ {
		if _, err := h.engine.Execute(context.Background(), "t1"); err != nil {
			t.Fatalf("invocation %d: %v", i, err)
		}
		task := h.task(t, "t1")
		if task.SuccessfulCollections+task.FailedCollections != task.TotalCollections {
			t.Fatalf("counters diverged after %d invocations: %+v", i+1, task)
		}
	}

	task := h.task(t, "t1")
	if task.TotalCollections != 5 || task.SuccessfulCollections != 2 {
		t.Errorf("unexpected totals %d/%d", task.TotalCollections, task.SuccessfulCollections)
	}
	results, _ := h.results.ListByTask(context.Background(), "t1", 0)
	if len(results) != 5 {
		t.Errorf("expected one result per invocation, got %d", len(results))
	}
}

func TestExecute_RejectsConcurrentInvocation(t *testing.T) {
	started := make(chan struct{})
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){blocks(started)}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	f := h.engine.ExecuteAsync(context.Background(), "t1")
	<-started

	if _, err := h.engine.Execute(context.Background(), "t1"); !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Errorf("expected ErrTaskAlreadyRunning, got %v", err)
	}

	if err := h.engine.Stop(context.Background(), "t1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := f.Wait(context.Background()); err != nil {
		t.Fatalf("async invocation failed: %v", err)
	}
}

func TestStop_RunningTask(t *testing.T) {
	started := make(chan struct{})
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){blocks(started)}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	f := h.engine.ExecuteAsync(context.Background(), "t1")
	<-started

	running := h.engine.ListRunning()
	if len(running) != 1 || running[0].ID != "t1" {
		t.Fatalf("expected t1 running, got %v", running)
	}

	if err := h.engine.Stop(context.Background(), "t1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(h.engine.ListRunning()) != 0 {
		t.Error("stopped task still listed as running")
	}

	res, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("invocation failed: %v", err)
	}
	if res == nil || res.Succeeded() {
		t.Errorf("expected a failure result for the cancelled invocation, got %+v", res)
	}

	task := h.task(t, "t1")
	if task.Status != domain.TaskStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", task.Status)
	}
	if task.TotalCollections != 1 {
		t.Errorf("cancelled invocation should still be counted, got %d", task.TotalCollections)
	}
}

func TestStop_IdleTasks(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "pending", MaxRetryCount: 3})
	h.addTask(t, &domain.Task{ID: "failed", MaxRetryCount: 3, Status: domain.TaskStatusFailed})

	if err := h.engine.Stop(context.Background(), "pending"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s := h.task(t, "pending").Status; s != domain.TaskStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", s)
	}
	// stopping twice is harmless
	if err := h.engine.Stop(context.Background(), "pending"); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	if err := h.engine.Stop(context.Background(), "failed"); !errors.Is(err, taskstate.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for FAILED task, got %v", err)
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "idle", MaxRetryCount: 3})

	n, err := h.engine.StopAll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("StopAll on idle engine should be a no-op, got n=%d err=%v", n, err)
	}
	if s := h.task(t, "idle").Status; s != domain.TaskStatusPending {
		t.Errorf("idle task changed to %s", s)
	}

	// left RUNNING by a previous process
	h.addTask(t, &domain.Task{ID: "orphan", MaxRetryCount: 3, Status: domain.TaskStatusRunning})
	n, err = h.engine.StopAll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 cancellation, got n=%d err=%v", n, err)
	}
	if s := h.task(t, "orphan").Status; s != domain.TaskStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", s)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3, CurrentRetryCount: 3, Status: domain.TaskStatusFailed})

	if err := h.engine.Reset(context.Background(), "t1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	task := h.task(t, "t1")
	if task.Status != domain.TaskStatusPending || task.CurrentRetryCount != 0 {
		t.Errorf("unexpected task after reset: %s/%d", task.Status, task.CurrentRetryCount)
	}

	res, err := h.engine.Execute(context.Background(), "t1")
	if err != nil || !res.Succeeded() {
		t.Errorf("reset task should run again, got %v / %v", res, err)
	}
}

func TestExecuteBatch(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "a", MaxRetryCount: 3})
	h.addTask(t, &domain.Task{ID: "b", MaxRetryCount: 3})
	h.addTask(t, &domain.Task{ID: "c", MaxRetryCount: 3, Status: domain.TaskStatusCancelled})

	results, err := h.engine.ExecuteBatch(context.Background(), []string{"a", "missing", "b", "c"})
	if err == nil {
		t.Fatal("expected aggregated rejection error")
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(results))
	}
	if results[0] == nil || results[0].TaskID != "a" || results[2] == nil || results[2].TaskID != "b" {
		t.Errorf("results not in input order: %v", results)
	}
	if results[1] != nil || results[3] != nil {
		t.Error("rejected tasks should leave nil slots")
	}
	if !errors.Is(err, taskstate.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition among errors, got %v", err)
	}
}

func TestExecuteAsync(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	f := h.engine.ExecuteAsync(context.Background(), "t1")
	res, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("async execute failed: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("expected success, got %s", res.Status)
	}
	h.engine.Wait()
}

func TestExecute_DisabledTask(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})
	task := h.task(t, "t1")
	task.Enabled = false
	_ = h.tasks.Save(context.Background(), task)

	if _, err := h.engine.Execute(context.Background(), "t1"); !errors.Is(err, ErrTaskDisabled) {
		t.Errorf("expected ErrTaskDisabled, got %v", err)
	}
	if h.engine.IsRunning("t1") {
		t.Error("rejected task left in registry")
	}
}

func TestExecute_MissingHostRetries(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", HostID: "gone", MaxRetryCount: 3})

	res, err := h.engine.Execute(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != domain.ResultStatus(domain.CategoryConnection) {
		t.Errorf("expected CONNECTION result, got %s", res.Status)
	}
	if adapter.callCount() != 0 {
		t.Error("adapter must not be called without a host")
	}
	if s := h.task(t, "t1").Status; s != domain.TaskStatusRetrying {
		t.Errorf("expected RETRYING, got %s", s)
	}
}

func TestGetStatus(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds(), fails(errRefused)}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	_, _ = h.engine.Execute(context.Background(), "t1")
	h.clock.Add(time.Hour)
	_, _ = h.engine.Execute(context.Background(), "t1")

	snap, err := h.engine.GetStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if snap.Status != domain.TaskStatusRetrying || snap.IsRunning {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.SuccessRate != 0.5 || snap.CurrentRetryCount != 1 {
		t.Errorf("unexpected rate/retries: %v/%d", snap.SuccessRate, snap.CurrentRetryCount)
	}
	if snap.LastErrorMessage == "" {
		t.Error("last error should be preserved")
	}
}

// Scenario C: cleanup deletes strictly older results and is idempotent.
func TestCleanupExpired(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){succeeds()}})
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	for i := 0; i < 4; i++ {
		if _, err := h.engine.Execute(context.Background(), "t1"); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		h.clock.Add(time.Hour)
	}

	cutoff := base.Add(2 * time.Hour)
	n, err := h.engine.CleanupExpired(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	n, _ = h.engine.CleanupExpired(context.Background(), cutoff)
	if n != 0 {
		t.Errorf("second cleanup deleted %d", n)
	}

	stats, err := h.engine.Statistics(context.Background(), base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalCollections != 2 || stats.SuccessRate != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
}

// blocks until release is closed, ignoring cancellation
func blocksUntil(started chan<- struct{}, release <-chan struct{}) func(context.Context) ([]domain.Record, error) {
	return func(ctx context.Context) ([]domain.Record, error) {
		close(started)
		<-release
		return nil, errRefused
	}
}

func TestReset_WaitsForStoppedRunToFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		blocksUntil(started, release), succeeds(),
	}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3})

	f := h.engine.ExecuteAsync(context.Background(), "t1")
	<-started

	if err := h.engine.Stop(context.Background(), "t1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.engine.IsRunning("t1") {
		t.Error("stopped task should not be reported running")
	}
	if err := h.engine.Reset(context.Background(), "t1"); !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Errorf("Reset while the stopped run is finishing: got %v", err)
	}
	if _, err := h.engine.Execute(context.Background(), "t1"); !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Errorf("Execute while the stopped run is finishing: got %v", err)
	}

	close(release)
	if _, err := f.Wait(context.Background()); err != nil {
		t.Fatalf("stopped invocation failed: %v", err)
	}

	if err := h.engine.Reset(context.Background(), "t1"); err != nil {
		t.Fatalf("Reset after the run finished: %v", err)
	}
	res, err := h.engine.Execute(context.Background(), "t1")
	if err != nil || !res.Succeeded() {
		t.Fatalf("reset task should run again, got %v / %v", res, err)
	}

	task := h.task(t, "t1")
	if task.TotalCollections != 2 || task.Status != domain.TaskStatusPending {
		t.Errorf("unexpected task after reset and rerun: %s total=%d", task.Status, task.TotalCollections)
	}
}

func TestExecuteDue(t *testing.T) {
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){fails(errRefused)}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 3, NextCollectionTime: base.Add(-time.Second)})

	if _, err := h.engine.ExecuteDue(context.Background(), "t1"); err != nil {
		t.Fatalf("ExecuteDue failed: %v", err)
	}
	if s := h.task(t, "t1").Status; s != domain.TaskStatusRetrying {
		t.Fatalf("expected RETRYING, got %s", s)
	}

	// the retry is scheduled one second out
	if _, err := h.engine.ExecuteDue(context.Background(), "t1"); !errors.Is(err, ErrTaskNotDue) {
		t.Errorf("expected ErrTaskNotDue, got %v", err)
	}
	if adapter.callCount() != 1 {
		t.Errorf("a task that is not due must not be queried, got %d calls", adapter.callCount())
	}
	if h.engine.IsRunning("t1") {
		t.Error("rejected invocation left in registry")
	}

	h.clock.Add(time.Second)
	if _, err := h.engine.ExecuteDue(context.Background(), "t1"); err != nil {
		t.Errorf("ExecuteDue once due: %v", err)
	}
	if adapter.callCount() != 2 {
		t.Errorf("expected a second query, got %d", adapter.callCount())
	}
}

func TestShutdown_RejectsQueuedInvocations(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		blocksUntil(started, release), succeeds(),
	}}
	h := newHarness(t, adapter)
	h.engine.sem = semaphore.NewWeighted(1)
	h.addTask(t, &domain.Task{ID: "busy", MaxRetryCount: 3})
	h.addTask(t, &domain.Task{ID: "queued", MaxRetryCount: 3})

	busy := h.engine.ExecuteAsync(context.Background(), "busy")
	<-started
	queued := h.engine.ExecuteAsync(context.Background(), "queued")

	h.engine.Shutdown()
	if _, err := queued.Wait(context.Background()); !errors.Is(err, ErrEngineShutdown) {
		t.Errorf("expected ErrEngineShutdown for the queued invocation, got %v", err)
	}

	close(release)
	if _, err := busy.Wait(context.Background()); err != nil {
		t.Errorf("running invocation should finish normally, got %v", err)
	}
	h.engine.Wait()

	if adapter.callCount() != 1 {
		t.Errorf("queued task must not be queried after Shutdown, got %d calls", adapter.callCount())
	}
	if s := h.task(t, "queued").Status; s != domain.TaskStatusPending {
		t.Errorf("queued task changed to %s", s)
	}
	late := h.engine.ExecuteAsync(context.Background(), "queued")
	if _, err := late.Wait(context.Background()); !errors.Is(err, ErrEngineShutdown) {
		t.Errorf("invocations after Shutdown should be rejected, got %v", err)
	}
}

func TestExecute_UnknownRetriedOnceAcrossInvocations(t *testing.T) {
	boom := errors.New("boom")
	adapter := &scriptedAdapter{steps: []func(context.Context) ([]domain.Record, error){
		fails(errRefused), fails(boom), fails(boom),
	}}
	h := newHarness(t, adapter)
	h.addTask(t, &domain.Task{ID: "t1", MaxRetryCount: 5})

	want := []domain.TaskStatus{
		domain.TaskStatusRetrying, // CONNECTION
		domain.TaskStatusRetrying, // first UNKNOWN
		domain.TaskStatusFailed,   // second UNKNOWN in a row
	}
	for i, w := range want {
		if _, err := h.engine.Execute(context.Background(), "t1"); err != nil {
			t.Fatalf("invocation %d: %v", i+1, err)
		}
		if s := h.task(t, "t1").Status; s != w {
			t.Fatalf("invocation %d: expected %s, got %s", i+1, w, s)
		}
		h.clock.Add(time.Minute)
	}

	task := h.task(t, "t1")
	if task.LastErrorCategory != domain.CategoryUnknown || task.CurrentRetryCount != 3 {
		t.Errorf("unexpected retry state: %s/%d", task.LastErrorCategory, task.CurrentRetryCount)
	}

	if err := h.engine.Reset(context.Background(), "t1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if c := h.task(t, "t1").LastErrorCategory; c != "" {
		t.Errorf("Reset should clear the last error category, got %q", c)
	}
}
