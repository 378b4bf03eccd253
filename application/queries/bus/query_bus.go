// Package bus dispatches queries through middleware to the query handler.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"graphcore/application/queries"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/observability"

	"go.uber.org/zap"
)

// QueryHandler handles a query
type QueryHandler interface {
	Ask(ctx context.Context, q queries.Query) (queries.Result, error)
}

// QueryHandlerFunc is an adapter to allow functions to be used as handlers
type QueryHandlerFunc func(ctx context.Context, q queries.Query) (queries.Result, error)

// Ask implements QueryHandler
func (f QueryHandlerFunc) Ask(ctx context.Context, q queries.Query) (queries.Result, error) {
	return f(ctx, q)
}

type Middleware func(next QueryHandler) QueryHandler

// QueryBus dispatches queries to handlers registered by query name, falling
// back to a default handler
type QueryBus struct {
	mu          sync.RWMutex
	handlers    map[string]QueryHandler
	fallback    QueryHandler
	middlewares []Middleware
}

// NewQueryBus creates a new query bus. fallback may be nil.
func NewQueryBus(fallback QueryHandler, middlewares ...Middleware) *QueryBus {
	return &QueryBus{
		handlers:    make(map[string]QueryHandler),
		fallback:    fallback,
		middlewares: middlewares,
	}
}

// Register registers a handler for a query name
func (b *QueryBus) Register(name string, handler QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler already registered for query %s", name)
	}
	b.handlers[name] = handler
	return nil
}

// Ask dispatches a query to its handler and returns the result
func (b *QueryBus) Ask(ctx context.Context, q queries.Query) (queries.Result, error) {
	if q == nil {
		return queries.Result{}, pkgerrors.NewValidationError("query is required")
	}
	if err := q.Validate(); err != nil {
		return queries.Result{}, err
	}

	b.mu.RLock()
	handler, exists := b.handlers[q.QueryName()]
	b.mu.RUnlock()
	if !exists {
		if b.fallback == nil {
			return queries.Result{}, fmt.Errorf("no handler registered for query %s", q.QueryName())
		}
		handler = b.fallback
	}

	for i := len(b.middlewares) - 1; i >= 0; i-- {
		handler = b.middlewares[i](handler)
	}
	return handler.Ask(ctx, q)
}

// AskRequest decodes a transport request and asks the resulting query
func (b *QueryBus) AskRequest(ctx context.Context, req queries.QueryRequest) (queries.Result, error) {
	q, err := req.Decode()
	if err != nil {
		return queries.Result{}, err
	}
	return b.Ask(ctx, q)
}

// MetricsMiddleware records query latency
func MetricsMiddleware(metrics *observability.Metrics) Middleware {
	return func(next QueryHandler) QueryHandler {
		return QueryHandlerFunc(func(ctx context.Context, q queries.Query) (queries.Result, error) {
			start := time.Now()
			res, err := next.Ask(ctx, q)
			metrics.RecordQuery(q.QueryName(), time.Since(start))
			return res, err
		})
	}
}

// LoggingMiddleware logs failed queries
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next QueryHandler) QueryHandler {
		return QueryHandlerFunc(func(ctx context.Context, q queries.Query) (queries.Result, error) {
			res, err := next.Ask(ctx, q)
			if err != nil {
				logger.Debug("Query failed", zap.String("query", q.QueryName()), zap.Error(err))
			}
			return res, err
		})
	}
}
