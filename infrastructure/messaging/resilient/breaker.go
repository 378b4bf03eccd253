// Package resilient guards an export sink with a circuit breaker so a failing
// downstream stops costing every command an export timeout.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/events"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrSinkUnavailable is returned while the breaker rejects exports
var ErrSinkUnavailable = errors.New("export sink unavailable")

// Config holds configuration for the circuit breaker
type Config struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// trip once at least MinRequests were seen and this share failed
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns the breaker settings used for export sinks
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      5,
	}
}

// StateListener observes breaker transitions, e.g. for metrics
type StateListener func(name string, from, to gobreaker.State)

// Sink decorates a ports.EventSink with a circuit breaker
type Sink struct {
	inner ports.EventSink
	cb    *gobreaker.CircuitBreaker
}

var _ ports.EventSink = (*Sink)(nil)

// NewSink wraps inner. listener may be nil.
func NewSink(inner ports.EventSink, cfg Config, logger *zap.Logger, listener StateListener) *Sink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Export circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if listener != nil {
				listener(name, from, to)
			}
		},
		// a cancelled caller says nothing about the sink's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Sink{inner: inner, cb: cb}
}

// Export forwards to the wrapped sink unless the breaker is open
func (s *Sink) Export(ctx context.Context, envs []events.Envelope) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Export(ctx, envs)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return err
}

// State reports the breaker state
func (s *Sink) State() gobreaker.State { return s.cb.State() }
