// Package ratelimit is a per-(client, route-bucket) fixed-window rate
// limiter with background eviction of expired windows.
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// What this does protect against:
//   - a single client flooding one area of the app from one node
//   - gives observability insight into who/what/when/where/how
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - clients spread across nodes (each node counts independently)
//
// The algorithm is a fixed-window counter, deliberately not token-bucket or
// sliding-window: a client can burst up to 2x the limit across a window
// boundary. That is an accepted tradeoff for abuse dampening; this is not a
// billing-grade quota.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is one active window for a key. Replaced, never incremented, once
// the window has passed.
type entry struct {
	count   int
	resetAt time.Time

	// logged tracks whether we already emitted the first-denial log for
	// this window; resets when the entry is replaced or swept
	logged bool
}

// Limiter holds per-key fixed-window counters with background eviction.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	// now is the clock, swappable in tests
	now func() time.Time

	// sweepEvery controls the eviction cadence, independent of traffic
	sweepEvery time.Duration

	// OnFirstDenied is called once per key per window on the first denial
	OnFirstDenied func(key string)

	// OnDenied is called on every denied request, used for counters
	OnDenied func(key string)
}

type Option func(*Limiter)

// WithClock injects a fake clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval controls how often expired windows are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

// WithOnFirstDenied sets a once-per-window denial callback, used for logging.
// Intentionally separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// New creates a Limiter and starts the background sweep goroutine, which
// stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		entries:    make(map[string]*entry),
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweepLoop(ctx)
	return l
}

// Allow reports whether the request under key fits within limit requests per
// window. First request in a window (re)initializes the entry; at the limit
// the count is not incremented further, so a denied burst cannot extend its
// own window.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		l.entries[key] = &entry{count: 1, resetAt: now.Add(window)}
		l.mu.Unlock()
		return true
	}

	if e.count >= limit {
		first := !e.logged
		e.logged = true
		// release before hooks: they may do slow work
		l.mu.Unlock()
		if first && l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
		return false
	}

	e.count++
	l.mu.Unlock()
	return true
}

// Len reports the number of tracked windows, for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes all entries whose window has passed. Live windows are never
// removed. Exported so tests can drive it with a fake clock.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// BucketFor derives the route bucket from a path: the first two segments,
// so sibling endpoints ("/api/user/register", "/api/user/profile") share a
// quota.
func BucketFor(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}

// Key joins client and bucket into the composite rate-limit key.
func Key(ip, bucket string) string {
	return ip + "|" + bucket
}
