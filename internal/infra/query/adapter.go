// Package query contains the remote query adapters the executor talks to.
//
// This package contains:
//   - Adapter interface: one remote instrumentation query against a host
//   - Router: dispatches by query class with a fallback adapter
//   - ProbeAdapter: TCP reachability probe for the "probe" query class
//   - GRPCAdapter: generic agent query over gRPC using structpb messages
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/collector/internal/core/domain"
)

// ErrUnsupportedQueryClass is returned when no adapter serves a query class.
var ErrUnsupportedQueryClass = errors.New("unsupported query class")

// Adapter performs one remote query. Implementations report failures as
// *domain.CollectionError when they know the category; anything else is
// classified from the error chain.
type Adapter interface {
	Query(
		ctx context.Context,
		host *domain.Host,
		queryClass string,
		params map[string]string,
	) ([]domain.Record, error)
}

// Func adapts a plain function to Adapter.
type Func func(ctx context.Context, host *domain.Host, queryClass string, params map[string]string) ([]domain.Record, error)

// Query implements Adapter.
func (f Func) Query(
	ctx context.Context,
	host *domain.Host,
	queryClass string,
	params map[string]string,
) ([]domain.Record, error) {
	return f(ctx, host, queryClass, params)
}

// Router sends each query class to its registered adapter.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Adapter) *Router {
	return &Router{
		adapters: make(map[string]Adapter),
		fallback: fallback,
	}
}

// Register binds queryClass to a.
func (r *Router) Register(queryClass string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[queryClass] = a
}

// Query implements Adapter.
func (r *Router) Query(
	ctx context.Context,
	host *domain.Host,
	queryClass string,
	params map[string]string,
) ([]domain.Record, error) {
	r.mu.RLock()
	a, ok := r.adapters[queryClass]
	if !ok {
		a = r.fallback
	}
	r.mu.RUnlock()

	if a == nil {
		return nil, domain.NewCollectionError(
			domain.CategoryData,
			host.Hostname,
			queryClass,
			fmt.Errorf("%w: %s", ErrUnsupportedQueryClass, queryClass),
		)
	}
	return a.Query(ctx, host, queryClass, params)
}
