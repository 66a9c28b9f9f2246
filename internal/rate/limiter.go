package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds fixed-window limiter tuning. The auth window is stricter:
// lower budget, longer window, applied to login/refresh/MFA endpoints.
type Config struct {
	Enabled bool

	MaxRequests int
	Window      time.Duration

	AuthMaxRequests int
	AuthWindow      time.Duration
}

// Limiter enforces per-identifier fixed-window request budgets using Redis
// counters. Identifiers are caller-defined (typically IP plus fingerprint).
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{redis: client, config: cfg}
}

func requestKey(identifier string) string {
	return "abf:r:" + identifier
}

func authKey(identifier string) string {
	return "abf:a:" + identifier
}

// Allow consumes one request from the general window budget. Exactly
// MaxRequests calls succeed per window; the window resets on TTL expiry.
func (l *Limiter) Allow(ctx context.Context, identifier string) error {
	if !l.config.Enabled {
		return nil
	}
	return l.consume(ctx, requestKey(identifier), l.config.MaxRequests, l.config.Window)
}

// AllowAuth consumes one request from the stricter auth-endpoint budget.
func (l *Limiter) AllowAuth(ctx context.Context, identifier string) error {
	if !l.config.Enabled {
		return nil
	}
	return l.consume(ctx, authKey(identifier), l.config.AuthMaxRequests, l.config.AuthWindow)
}

// Reset clears both budgets for an identifier (e.g. after a successful
// credential change, so a legitimate user is not penalized further).
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if !l.config.Enabled {
		return nil
	}
	if err := l.redis.Del(ctx, requestKey(identifier), authKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *Limiter) consume(ctx context.Context, key string, max int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed-window semantics: TTL starts with the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if count > int64(max) {
		return ErrRateLimited
	}
	return nil
}
