package rpc

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.storjnode.dev/core/crypto"
)

// limiterTTL is how long an idle per-contact limiter is kept before
// CleanupIdle reclaims it.
const limiterTTL = 10 * time.Minute

// RateLimitError is the synthetic error returned in place of a handler's
// result when a sender exceeds its per-contact budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("RateLimitExceeded, retry in %s", e.RetryAfter)
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// RateLimiter enforces a leaky-bucket request budget per contact. Only
// requests, not responses, are counted against it.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[crypto.Hash160]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter allowing limit requests per second
// per contact, with bursts up to burst.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[crypto.Hash160]*limiterEntry),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) entryFor(id crypto.Hash160) *limiterEntry {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.limiters[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[id] = e
	}
	e.lastSeenAt = rl.now()
	return e
}

// Allow reports whether a request from id may proceed. When it may not,
// it returns the delay the sender should wait before retrying.
func (rl *RateLimiter) Allow(id crypto.Hash160) (bool, time.Duration) {
	e := rl.entryFor(id)
	r := e.limiter.ReserveN(rl.now(), 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(rl.now()); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// CleanupIdle drops limiters for contacts that have not sent a request in
// longer than limiterTTL, bounding the map's growth under high peer churn.
func (rl *RateLimiter) CleanupIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, e := range rl.limiters {
		if now.Sub(e.lastSeenAt) > limiterTTL {
			delete(rl.limiters, id)
		}
	}
}
