// Package ratelimit bounds calls per identity and role with a sliding window
// of timestamps held in process memory.
package ratelimit

import (
	"sync"
	"time"

	"github.com/maxpert/syncbridge/telemetry"
)

// RoleGuest is the fallback role for unknown roles
const RoleGuest = "guest"

const DefaultWindow = time.Hour

// Options configures a limiter
type Options struct {
	Window     time.Duration
	Thresholds map[string]int // Calls per window by role
	Now        func() time.Time
}

// Limiter is a per-(identity, role) sliding window counter
type Limiter struct {
	window     time.Duration
	thresholds map[string]int
	fallback   int
	now        func() time.Time

	mu      sync.Mutex
	windows map[key][]time.Time
}

type key struct {
	identity string
	role     string
}

// New creates a limiter. Unknown roles use the guest threshold, or the lowest
// configured threshold when guest is not configured.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	thresholds := make(map[string]int, len(opts.Thresholds))
	fallback := -1
	for role, n := range opts.Thresholds {
		thresholds[role] = n
		if fallback < 0 || n < fallback {
			fallback = n
		}
	}
	if n, ok := thresholds[RoleGuest]; ok {
		fallback = n
	}
	if fallback < 0 {
		fallback = 0
	}

	return &Limiter{
		window:     opts.Window,
		thresholds: thresholds,
		fallback:   fallback,
		now:        opts.Now,
		windows:    make(map[key][]time.Time),
	}
}

// Threshold returns the calls allowed per window for role
func (l *Limiter) Threshold(role string) int {
	if n, ok := l.thresholds[role]; ok {
		return n
	}
	return l.fallback
}

// Allow records a call for identity under role and reports whether it fits
// in the window. Rejected calls are not recorded.
func (l *Limiter) Allow(identity, role string) bool {
	limit := l.Threshold(role)
	now := l.now()
	k := key{identity: identity, role: role}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := prune(l.windows[k], now.Add(-l.window))
	if len(ts) >= limit {
		l.windows[k] = ts
		telemetry.RateLimitRejectedTotal.With(role).Inc()
		return false
	}
	l.windows[k] = append(ts, now)
	return true
}

// Sweep prunes every window and drops empty keys
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ts := range l.windows {
		ts = prune(ts, cutoff)
		if len(ts) == 0 {
			delete(l.windows, k)
			continue
		}
		l.windows[k] = ts
	}
}

// Clear forgets all recorded calls
func (l *Limiter) Clear() {
	l.mu.Lock()
	l.windows = make(map[key][]time.Time)
	l.mu.Unlock()
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps at or before cutoff. ts is in append order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
