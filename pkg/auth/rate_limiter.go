package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether the caller identified by key may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// SlidingWindowLimiter allows at most limit requests per key in any window
// of windowSize. State is per process.
type SlidingWindowLimiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	limit      int
	windowSize time.Duration
	now        func() time.Time
}

type window struct {
	mu       sync.Mutex
	requests []time.Time
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter
func NewSlidingWindowLimiter(limit int, windowSize time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		windows:    make(map[string]*window),
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// Allow checks if a request is allowed
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	w, exists := l.windows[key]
	if !exists {
		w = &window{}
		l.windows[key] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	start := now.Add(-l.windowSize)
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(start) {
			kept = append(kept, t)
		}
	}
	w.requests = kept

	if len(w.requests) >= l.limit {
		return false, nil
	}
	w.requests = append(w.requests, now)
	return true, nil
}

// Reset resets the rate limit for a key
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// Sweep drops keys with no request in the last window
func (l *SlidingWindowLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.windowSize)
	for key, w := range l.windows {
		w.mu.Lock()
		idle := len(w.requests) == 0 || !w.requests[len(w.requests)-1].After(cutoff)
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}
