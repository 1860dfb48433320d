package engine

import (
	"context"

	"github.com/vietddude/collector/internal/core/domain"
)

// Future is the pending result of ExecuteAsync.
type Future struct {
	TaskID string

	done   chan struct{}
	result *domain.Result
	err    error
}

func newFuture(taskID string) *Future {
	return &Future{TaskID: taskID, done: make(chan struct{})}
}

func (f *Future) complete(result *domain.Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done is closed once the invocation finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the invocation finished or ctx is done.
func (f *Future) Wait(ctx context.Context) (*domain.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}
