package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// MemoryStorage keeps tasks, hosts and results in process memory.
// Repositories hand out copies so callers never share state with the store.
type MemoryStorage struct {
	tasks   map[string]*domain.Task
	hosts   map[string]*domain.Host
	results []*domain.Result
	retries map[string]time.Time
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:   make(map[string]*domain.Task),
		hosts:   make(map[string]*domain.Host),
		retries: make(map[string]time.Time),
	}
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

func NewTaskRepo(store *MemoryStorage) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (r *TaskRepo) Save(ctx context.Context, task *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.tasks[task.ID] = task.Clone()
	return nil
}

func (r *TaskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	t.Status = status
	t.UpdatedAt = at
	return nil
}

func (r *TaskRepo) BulkUpdateStatus(ctx context.Context, from, to domain.TaskStatus, at time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, t := range r.store.tasks {
		if t.Status == from {
			t.Status = to
			t.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (r *TaskRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var due []*domain.Task
	for _, t := range r.store.tasks {
		if !t.Enabled {
			continue
		}
		if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusRetrying {
			continue
		}
		if t.NextCollectionTime.After(now) {
			continue
		}
		due = append(due, t.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextCollectionTime.Before(due[j].NextCollectionTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *TaskRepo) List(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Task, 0, len(r.store.tasks))
	for _, t := range r.store.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Host Repository
// -----------------------------------------------------------------------------

type HostRepo struct {
	store *MemoryStorage
}

func NewHostRepo(store *MemoryStorage) *HostRepo {
	return &HostRepo{store: store}
}

func (r *HostRepo) Get(ctx context.Context, id string) (*domain.Host, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrHostNotFound, id)
	}
	c := *h
	return &c, nil
}

func (r *HostRepo) Save(ctx context.Context, host *domain.Host) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *host
	r.store.hosts[host.ID] = &c
	return nil
}

func (r *HostRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	h, ok := r.store.hosts[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrHostNotFound, id)
	}
	h.SuccessCount++
	h.LastSuccessAt = at
	h.LastConnectedAt = at
	h.UpdatedAt = at
	return nil
}

func (r *HostRepo) RecordFailure(ctx context.Context, id string, at time.Time, msg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	h, ok := r.store.hosts[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrHostNotFound, id)
	}
	h.FailureCount++
	h.LastFailureAt = at
	h.LastErrorMessage = msg
	h.UpdatedAt = at
	return nil
}

func (r *HostRepo) List(ctx context.Context) ([]*domain.Host, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Host, 0, len(r.store.hosts))
	for _, h := range r.store.hosts {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Result Repository
// -----------------------------------------------------------------------------

type ResultRepo struct {
	store *MemoryStorage
}

func NewResultRepo(store *MemoryStorage) *ResultRepo {
	return &ResultRepo{store: store}
}

func (r *ResultRepo) Save(ctx context.Context, result *domain.Result) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *result
	r.store.results = append(r.store.results, &c)
	return nil
}

func (r *ResultRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Result, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Result
	for i := len(r.store.results) - 1; i >= 0; i-- {
		res := r.store.results[i]
		if res.TaskID != taskID {
			continue
		}
		c := *res
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *ResultRepo) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.results[:0]
	var deleted int64
	for _, res := range r.store.results {
		if res.CollectionTime.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, res)
	}
	r.store.results = kept
	return deleted, nil
}

func (r *ResultRepo) Statistics(ctx context.Context, from, to time.Time) (*domain.CollectionStatistics, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	stats := &domain.CollectionStatistics{
		From:     from,
		To:       to,
		ByStatus: make(map[domain.ResultStatus]int64),
		ByHost:   make(map[string]int64),
	}
	for _, res := range r.store.results {
		if !inWindow(res.CollectionTime, from, to) {
			continue
		}
		stats.TotalCollections++
		if res.Succeeded() {
			stats.SuccessCollections++
		} else {
			stats.FailureCollections++
		}
		stats.ByStatus[res.Status]++
		stats.ByHost[hostKey(res)]++
	}
	stats.SuccessRate = storage.SuccessRate(stats.SuccessCollections, stats.TotalCollections)
	return stats, nil
}

func (r *ResultRepo) HostStatistics(ctx context.Context, hostID string, from, to time.Time) (*domain.HostStatistics, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.hosts[hostID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrHostNotFound, hostID)
	}
	stats := &domain.HostStatistics{
		HostID:   h.ID,
		Hostname: h.Hostname,
		Address:  h.Address,
	}
	var total time.Duration
	for _, res := range r.store.results {
		if res.HostID != hostID || !inWindow(res.CollectionTime, from, to) {
			continue
		}
		stats.TotalCollections++
		if res.Succeeded() {
			stats.SuccessCollections++
		} else {
			stats.FailureCollections++
		}
		total += res.Duration
	}
	stats.SuccessRate = storage.SuccessRate(stats.SuccessCollections, stats.TotalCollections)
	if stats.TotalCollections > 0 {
		stats.AvgDuration = total / time.Duration(stats.TotalCollections)
	}
	return stats, nil
}

// -----------------------------------------------------------------------------
// Retry Queue
// -----------------------------------------------------------------------------

type RetryQueue struct {
	store *MemoryStorage
}

func NewRetryQueue(store *MemoryStorage) *RetryQueue {
	return &RetryQueue{store: store}
}

func (q *RetryQueue) Schedule(ctx context.Context, taskID string, at time.Time) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	q.store.retries[taskID] = at
	return nil
}

func (q *RetryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	var due []string
	for id, at := range q.store.retries {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ai, aj := q.store.retries[due[i]], q.store.retries[due[j]]
		if ai.Equal(aj) {
			return due[i] < due[j]
		}
		return ai.Before(aj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(q.store.retries, id)
	}
	return due, nil
}

func (q *RetryQueue) Remove(ctx context.Context, taskID string) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	delete(q.store.retries, taskID)
	return nil
}

func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return int64(len(q.store.retries)), nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func hostKey(res *domain.Result) string {
	if res.Hostname != "" {
		return res.Hostname
	}
	return res.HostID
}
