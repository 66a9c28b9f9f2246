package authgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal"
	"github.com/kestrelsec/authgate/internal/rate"
)

// limiterID keys the fixed windows by IP plus coarse device fingerprint, so
// distinct clients behind one NAT do not drain a shared budget. The velocity
// tracker stays per-IP: a burst is a burst regardless of User-Agent.
func limiterID(ctx context.Context) string {
	return clientIPFromContext(ctx) + ":" + internal.Fingerprint(userAgentFromContext(ctx))
}

// CheckRequest applies the general per-IP request guard: an active velocity
// block rejects outright, then one unit of the fixed-window budget is
// consumed. Called by Validate and by the rate-limit middleware for
// unauthenticated routes.
func (e *Engine) CheckRequest(ctx context.Context) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if !e.config.RateLimit.Enabled {
		return nil
	}
	ip := clientIPFromContext(ctx)
	if ip == "" {
		return nil
	}

	if remaining, err := e.velocity.Blocked(ctx, ip); err != nil {
		e.log().Warn("velocity tracker unavailable, failing open", zap.Error(err))
	} else if remaining > 0 {
		e.metricInc(MetricIPBlocked)
		return ErrRateLimited
	}

	if err := e.rateLimiter.Allow(ctx, limiterID(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitRateLimit(ctx, "general", orgIDFromContext(ctx), nil)
			return ErrRateLimited
		}
		e.log().Warn("rate limiter unavailable, failing open", zap.Error(err))
	}
	return nil
}

// CheckAuthRequest applies the strict auth-endpoint guard, including a
// velocity observation for the arrival. For use by middleware fronting
// login/refresh/MFA routes.
func (e *Engine) CheckAuthRequest(ctx context.Context) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.guardAuthRequest(ctx, orgIDFromContext(ctx))
}

// UnblockIP lifts an active velocity block ahead of its TTL. Operator use.
func (e *Engine) UnblockIP(ctx context.Context, ip string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.velocity.Unblock(ctx, ip)
}
