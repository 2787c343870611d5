package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps x/time/rate to throttle outbound venue calls,
// replacing the teacher's bespoke usedWeight/limit/resetInterval
// bookkeeping (pkg/exchanges/common/ratelimit.go) with the standard
// token-bucket limiter the rest of the example pack favors for this
// concern.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing requestsPerSecond steady-state
// with a burst of the same size.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)}
}

// Wait blocks until a request token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
