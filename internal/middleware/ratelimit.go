package middleware

import (
	"context"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/security"
)

// RateLimit rejects invocations of a session beyond its token bucket.
type RateLimit struct {
	limiter *security.RateLimiter
}

// NewRateLimit allows rps invocations per second per session with the given
// burst.
func NewRateLimit(rps float64, burst int) *RateLimit {
	return &RateLimit{limiter: security.NewRateLimiter(rps, burst)}
}

// Name implements Interceptor.
func (r *RateLimit) Name() string { return "rate_limit" }

// Limiter exposes the underlying limiter, for pruning.
func (r *RateLimit) Limiter() *security.RateLimiter { return r.limiter }

// Intercept implements Interceptor.
func (r *RateLimit) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	if !r.limiter.Allow(inv.SessionID) {
		return nil, &SecurityViolation{Interceptor: r.Name(), Reason: "rate limit exceeded"}
	}
	return next(ctx, inv)
}
