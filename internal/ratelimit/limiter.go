// Package ratelimit implements a fixed-window request counter keyed by client
// IP. It is a deterrent, not a security boundary: with the default memory
// store each process counts independently.
package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Store counts hits per key inside a fixed window.
type Store interface {
	// Hit records one request for key at now. When no window is open for the
	// key, or the open one has expired, a new window [now, now+window) starts
	// with count 1. It returns the count after the increment and the time the
	// current window resets.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (count int, resetAt time.Time, err error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies a maximum request count per fixed window.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger.With("component", "rate_limiter") }
}

// New creates a Limiter allowing max requests per window.
func New(store Store, max int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		max:    max,
		window: window,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for key and reports whether it is within the limit.
// An empty key is always allowed, as is any request the store cannot count.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key == "" {
		return Decision{Allowed: true, Remaining: l.max}
	}

	now := l.now()
	count, resetAt, err := l.store.Hit(ctx, key, now, l.window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable; allowing request", "err", err)
		return Decision{Allowed: true, Remaining: l.max}
	}

	d := Decision{
		Allowed: count <= l.max,
		Count:   count,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = l.max - count
	} else {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// Max returns the configured request limit per window.
func (l *Limiter) Max() int { return l.max }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
