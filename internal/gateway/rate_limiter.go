package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-identity token bucket keyed by client id or agent
// id. rpm <= 0 disables limiting entirely (Allow always returns true).
type RateLimiter struct {
	rpm   int
	burst int
	mu    sync.Mutex
	limit map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing rpm requests/minute per key,
// with burst as the token bucket's burst size.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{rpm: rpm, burst: burst, limit: make(map[string]*rate.Limiter)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether key may proceed now, consuming a token if so.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	l, ok := r.limit[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limit[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
