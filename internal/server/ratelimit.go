package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global budget plus an independent per-caller
// budget. Callers are keyed by user id; unknown callers share the
// empty-key bucket, which the auth middleware prevents in practice.
type RateLimiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	callers map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter builds a limiter with the given per-caller rate and
// burst. The global budget is sized at four times the per-caller rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(rps*4), burst*4),
		callers: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether the caller may proceed. Both the caller's bucket
// and the global bucket must have a token.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	lim, ok := rl.callers[caller]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.callers[caller] = lim
	}
	rl.mu.Unlock()

	if !lim.Allow() {
		return false
	}
	return rl.global.Allow()
}
