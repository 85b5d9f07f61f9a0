package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter implements a per-user token bucket.
// The key is the user ID only, not userID:sessionID, so clients cannot bypass
// throttling by opening new tabs.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows limit requests per window for each key. Idle keys are
// evicted after a few windows.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	idle := 3 * window
	return &RateLimiter{
		limiters: cache.New(idle, idle),
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

// Allow reports whether a request for key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lim *rate.Limiter
	if v, ok := r.limiters.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(r.limit, r.burst)
	}
	r.limiters.SetDefault(key, lim)
	return lim.Allow()
}
