// Package channel is an in-process export sink backed by a bounded channel.
package channel

import (
	"context"
	"errors"
	"sync"

	"graphcore/application/ports"
	"graphcore/domain/events"

	"go.uber.org/zap"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 1024

// ErrClosed is returned by Export after Close.
var ErrClosed = errors.New("export queue closed")

// Handler receives exported envelopes in the order they were queued.
type Handler func(ctx context.Context, env events.Envelope) error

// Queue implements ports.EventSink. Export blocks while the queue is full,
// so a slow consumer pushes back on the exporter instead of losing events.
type Queue struct {
	mu     sync.RWMutex
	ch     chan events.Envelope
	done   chan struct{}
	once   sync.Once
	closed bool
	logger *zap.Logger
}

var _ ports.EventSink = (*Queue)(nil)

// NewQueue creates a queue holding up to capacity envelopes
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:     make(chan events.Envelope, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Export queues envs in order. It returns early with ctx's error when the
// queue stays full; envelopes already queued stay queued.
func (q *Queue) Export(ctx context.Context, envs []events.Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	for _, env := range envs {
		select {
		case q.ch <- env:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len reports the number of queued envelopes.
func (q *Queue) Len() int { return len(q.ch) }

// Envelopes exposes the receive side for callers that manage their own loop.
func (q *Queue) Envelopes() <-chan events.Envelope { return q.ch }

// Consume delivers queued envelopes to h until ctx is done or the queue is
// closed and drained. Redeliveries of an envelope already handled for the same
// aggregate and sequence are skipped. Handler errors are logged; the envelope
// is not requeued.
func (q *Queue) Consume(ctx context.Context, h Handler) {
	seen := NewDeduplicator()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q.ch:
			if !ok {
				return
			}
			if !seen.First(env) {
				continue
			}
			if err := h(ctx, env); err != nil {
				q.logger.Warn("Export handler failed",
					zap.String("graph_id", env.AggregateID.String()),
					zap.Uint64("sequence", env.Sequence),
					zap.Error(err),
				)
			}
		}
	}
}

// Close stops accepting envelopes. Consumers drain what is already queued.
func (q *Queue) Close() {
	// release blocked exporters before taking the write lock
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Deduplicator tracks the highest sequence seen per aggregate. Export is
// at-least-once, so consumers use it to drop redeliveries.
type Deduplicator struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[string]uint64)}
}

// First reports whether env is newer than anything seen for its aggregate and
// records it if so.
func (d *Deduplicator) First(env events.Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := env.AggregateID.String()
	if env.Sequence <= d.last[key] {
		return false
	}
	d.last[key] = env.Sequence
	return true
}
