package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTrustedDeviceBackend wraps transport failures against the backing store.
	ErrTrustedDeviceBackend = errors.New("trusted device backend unavailable")
)

// TrustedDeviceStore remembers device fingerprints that completed MFA
// recently. A mark is one TTL key; its expiry ends the trust. Trust is
// advisory only: callers decide whether the session's security level
// permits skipping the challenge.
type TrustedDeviceStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTrustedDeviceStore(redisClient redis.UniversalClient, prefix string) *TrustedDeviceStore {
	if prefix == "" {
		prefix = "atd"
	}
	return &TrustedDeviceStore{redis: redisClient, prefix: prefix}
}

func (s *TrustedDeviceStore) key(orgID, userID, fingerprintHash string) string {
	return s.prefix + ":" + orgID + ":" + userID + ":" + fingerprintHash
}

// Trust marks the fingerprint as trusted for the user until ttl elapses.
// Re-trusting an already trusted device refreshes the TTL.
func (s *TrustedDeviceStore) Trust(
	ctx context.Context,
	orgID, userID, fingerprintHash string,
	ttl time.Duration,
) error {
	if fingerprintHash == "" || ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.key(orgID, userID, fingerprintHash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrustedDeviceBackend, err)
	}
	return nil
}

// IsTrusted reports whether the fingerprint currently carries a trust mark.
func (s *TrustedDeviceStore) IsTrusted(
	ctx context.Context,
	orgID, userID, fingerprintHash string,
) (bool, error) {
	if fingerprintHash == "" {
		return false, nil
	}
	n, err := s.redis.Exists(ctx, s.key(orgID, userID, fingerprintHash)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTrustedDeviceBackend, err)
	}
	return n > 0, nil
}

// Revoke removes a single trust mark.
func (s *TrustedDeviceStore) Revoke(
	ctx context.Context,
	orgID, userID, fingerprintHash string,
) error {
	if err := s.redis.Del(ctx, s.key(orgID, userID, fingerprintHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrustedDeviceBackend, err)
	}
	return nil
}

// RevokeAll removes every trust mark for the user, e.g. after a credential
// change or reported compromise.
func (s *TrustedDeviceStore) RevokeAll(ctx context.Context, orgID, userID string) (int, error) {
	pattern := s.prefix + ":" + orgID + ":" + userID + ":*"
	removed := 0

	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 128).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrTrustedDeviceBackend, err)
		}
		if len(keys) > 0 {
			n, err := s.redis.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrTrustedDeviceBackend, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
