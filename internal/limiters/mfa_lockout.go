package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMFAMaxFailures     = 5
	defaultMFAFailureWindow   = 15 * time.Minute
	defaultMFALockoutDuration = 15 * time.Minute
)

var (
	// ErrMFALockedOut is returned while a lockout entry is active for the user.
	ErrMFALockedOut = errors.New("mfa locked out")
	// ErrMFAUnavailable wraps transport failures against the backing store.
	ErrMFAUnavailable = errors.New("mfa lockout backend unavailable")
)

// MFALockoutConfig holds thresholds for the MFA failure lockout.
type MFALockoutConfig struct {
	MaxFailedAttempts int
	FailureWindow     time.Duration
	LockoutDuration   time.Duration
}

// MFALockout counts failed MFA verifications per user inside a rolling
// window and writes a lockout entry when the threshold is reached. While
// the entry lives, every verification is rejected without evaluating the
// submitted code, so a locked-out attacker learns nothing from correct
// guesses.
type MFALockout struct {
	redis  redis.UniversalClient
	config MFALockoutConfig
}

// NewMFALockout creates an [MFALockout]. Zero-value fields in cfg fall back
// to defaults (5 failures / 15m window / 15m lockout).
func NewMFALockout(redisClient redis.UniversalClient, cfg MFALockoutConfig) *MFALockout {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = defaultMFAMaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultMFAFailureWindow
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = defaultMFALockoutDuration
	}
	return &MFALockout{redis: redisClient, config: cfg}
}

func (l *MFALockout) failureKey(orgID, userID string) string {
	return "aml:f:" + orgID + ":" + userID
}

func (l *MFALockout) lockKey(orgID, userID string) string {
	return "aml:l:" + orgID + ":" + userID
}

// Locked reports whether the user currently carries a lockout entry and how
// long it has left. Returns ErrMFALockedOut when locked.
func (l *MFALockout) Locked(ctx context.Context, orgID, userID string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, l.lockKey(orgID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, ErrMFALockedOut
}

// RecordFailure counts one failed verification. Crossing the threshold
// writes the lockout entry and clears the counter; in that case the call
// returns ErrMFALockedOut with the full lockout duration.
func (l *MFALockout) RecordFailure(ctx context.Context, orgID, userID string) (time.Duration, error) {
	count, err := l.redis.Incr(ctx, l.failureKey(orgID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, l.failureKey(orgID, userID), l.config.FailureWindow).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
		}
	}

	if count < int64(l.config.MaxFailedAttempts) {
		return 0, nil
	}

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.lockKey(orgID, userID), "1", l.config.LockoutDuration)
		pipe.Del(ctx, l.failureKey(orgID, userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return l.config.LockoutDuration, ErrMFALockedOut
}

// Reset clears the failure counter after a successful verification. An
// active lockout entry is NOT cleared here; it expires on its own or via
// Unlock.
func (l *MFALockout) Reset(ctx context.Context, orgID, userID string) error {
	if err := l.redis.Del(ctx, l.failureKey(orgID, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return nil
}

// Unlock removes an active lockout entry ahead of its TTL (operator
// override).
func (l *MFALockout) Unlock(ctx context.Context, orgID, userID string) error {
	if err := l.redis.Del(ctx, l.lockKey(orgID, userID), l.failureKey(orgID, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return nil
}

// FailureCount returns the current failure counter for diagnostics.
func (l *MFALockout) FailureCount(ctx context.Context, orgID, userID string) (int, error) {
	count, err := l.redis.Get(ctx, l.failureKey(orgID, userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	return int(count), nil
}
