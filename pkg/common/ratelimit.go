package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps how often items may be handed to a provider's Process.
// One limiter can be shared by every executor of a walker so the combined
// throughput stays under a single budget. Providers that learn their quota
// from the remote side, like the GitHub client reading rate-limit headers,
// retune it in place with UpdateLimits.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter admitting rps events per second with bursts
// of up to burst events.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the next event is admitted. It returns the context's
// error if ctx ends first, which the executor treats as a stop.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits replaces the rate and burst. It takes effect once the Wait
// calls already in flight have returned.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
