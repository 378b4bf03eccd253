// Package streams provides the lazy envelope iterator shared by the event
// log backends.
package streams

import (
	"context"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/events"
)

// DefaultPageSize is how many envelopes a stream fetches per round trip
const DefaultPageSize = 256

// PageFunc fetches up to limit envelopes with sequence > after, in order
type PageFunc func(ctx context.Context, after uint64, limit int) ([]events.Envelope, error)

// Option configures a Paged stream
type Option func(*Paged)

// WithPageSize sets the fetch size
func WithPageSize(n int) Option {
	return func(p *Paged) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithUntil stops the stream at the first envelope newer than t. Timestamps
// are monotonic per stream, so what precedes it is a prefix.
func WithUntil(t time.Time) Option {
	return func(p *Paged) {
		until := t
		p.until = &until
	}
}

// WithUpcaster hydrates envelopes through u. Every envelope is checked
// against its stored hash before it is decoded.
func WithUpcaster(u events.Upcaster) Option {
	return func(p *Paged) { p.upcaster = u }
}

// Paged is a restartable stream over a PageFunc
type Paged struct {
	fetch    PageFunc
	start    uint64
	pageSize int
	until    *time.Time
	upcaster events.Upcaster

	buf     []events.Envelope
	pos     int
	cursor  uint64
	drained bool
	done    bool
	current events.Envelope
	err     error
}

var _ ports.Stream = (*Paged)(nil)

// NewPaged returns a stream of envelopes with sequence >= from
func NewPaged(fetch PageFunc, from uint64, opts ...Option) *Paged {
	if from == 0 {
		from = 1
	}
	p := &Paged{fetch: fetch, start: from, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(p)
	}
	p.Reset()
	return p
}

// Next advances the stream
func (p *Paged) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.pos >= len(p.buf) {
		if p.drained {
			p.done = true
			return false
		}
		if err := ctx.Err(); err != nil {
			p.err = err
			return false
		}
		page, err := p.fetch(ctx, p.cursor, p.pageSize)
		if err != nil {
			p.err = err
			return false
		}
		p.buf, p.pos = page, 0
		p.drained = len(page) < p.pageSize
		if len(page) == 0 {
			p.done = true
			return false
		}
	}

	env := p.buf[p.pos]
	p.pos++
	if p.until != nil && env.Timestamp.After(*p.until) {
		p.done = true
		return false
	}
	if err := env.Open(p.upcaster); err != nil {
		p.err = err
		return false
	}
	p.cursor = env.Sequence
	p.current = env
	return true
}

// Envelope returns the current envelope
func (p *Paged) Envelope() events.Envelope { return p.current }

// Err returns the first error encountered
func (p *Paged) Err() error { return p.err }

// Reset restarts from the original position
func (p *Paged) Reset() {
	p.buf = nil
	p.pos = 0
	p.cursor = p.start - 1
	p.drained = false
	p.done = false
	p.current = events.Envelope{}
	p.err = nil
}

// Close releases the page buffer
func (p *Paged) Close() error {
	p.buf = nil
	p.done = true
	return nil
}

// Collect drains s into a slice
func Collect(ctx context.Context, s ports.Stream) ([]events.Envelope, error) {
	defer s.Close()
	var out []events.Envelope
	for s.Next(ctx) {
		out = append(out, s.Envelope())
	}
	return out, s.Err()
}
