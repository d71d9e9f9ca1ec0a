package guard

import (
	"sync"
	"time"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type window struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a keyed fixed-window rate limiter.
type RateLimiter struct {
	max    int
	window time.Duration
	mu     sync.Mutex
	keys   map[string]*window
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing max requests per window per key.
func NewRateLimiter(max int, windowDur time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	if windowDur <= 0 {
		windowDur = time.Second
	}
	return &RateLimiter{
		max:    max,
		window: windowDur,
		keys:   make(map[string]*window),
		now:    time.Now,
	}
}

// Allow records one request against key and reports whether it fits in the
// current window. Callers seeing Allowed=false must not retry before ResetAt.
func (rl *RateLimiter) Allow(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.keys[key]
	if !ok || now.Sub(w.windowStart) > rl.window {
		w = &window{windowStart: now}
		rl.keys[key] = w
	}

	resetAt := w.windowStart.Add(rl.window)
	if w.count >= rl.max {
		return Decision{Allowed: false, Limit: rl.max, Remaining: 0, ResetAt: resetAt}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     rl.max,
		Remaining: rl.max - w.count,
		ResetAt:   resetAt,
	}
}

// ActiveKeys returns the number of keys with a live window record.
func (rl *RateLimiter) ActiveKeys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.keys)
}
