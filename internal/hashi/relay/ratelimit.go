package relay

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum number of AI round-trips allowed per
	// session per window when no explicit limit is configured.
	DefaultRateLimit = 20

	// DefaultRateWindow is the sliding window duration.
	DefaultRateWindow = time.Minute
)

// RateLimiter caps how many questions a session may send to the AI backend
// within a sliding window. Commands never pass through it. Sessions that
// went quiet are removed by Sweep, which the app runs on a ticker.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time // sessionID -> call timestamps in window
	now      func() time.Time
}

// NewRateLimiter returns a RateLimiter that allows at most limit calls per
// session within window. If limit <= 0 it defaults to DefaultRateLimit; if
// window <= 0 it defaults to one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the session may make another call and, if so,
// records it.
func (r *RateLimiter) Allow(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(sessionID, now.Add(-r.window))
	if len(valid) >= r.limit {
		return false
	}
	r.counters[sessionID] = append(valid, now)
	return true
}

// Remaining returns how many calls the session can still make within the
// current window.
func (r *RateLimiter) Remaining(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem := r.limit - len(r.prune(sessionID, r.now().Add(-r.window)))
	if rem < 0 {
		return 0
	}
	return rem
}

// Sweep drops every session whose timestamps have all left the window.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	removed := 0
	for id := range r.counters {
		if len(r.prune(id, cutoff)) == 0 {
			removed++
		}
	}
	return removed
}

// prune keeps the timestamps after cutoff. Must be called with mu held.
func (r *RateLimiter) prune(sessionID string, cutoff time.Time) []time.Time {
	existing, ok := r.counters[sessionID]
	if !ok {
		return nil
	}
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, sessionID)
		return nil
	}
	r.counters[sessionID] = valid
	return valid
}
