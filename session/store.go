package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable wraps transport failures against the backing store.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrNotFound is returned when the session key does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when the session is past its absolute expiry.
	ErrExpired = errors.New("session expired")
	// ErrIdleExpired is returned when the session exceeded its idle timeout.
	ErrIdleExpired = errors.New("session idle expired")
	// ErrRefreshHashMismatch is returned when a presented refresh hash does
	// not match the stored one; the session is destroyed as a precaution.
	ErrRefreshHashMismatch = errors.New("refresh hash mismatch")
	// ErrIPBindingMismatch is returned by Touch when the request IP differs
	// from the one bound at creation. The session is left unmodified.
	ErrIPBindingMismatch = errors.New("session ip binding mismatch")
	// ErrFingerprintMismatch is returned by Touch when the device fingerprint
	// differs from the one bound at creation. The session is left unmodified.
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")
)

const casRetries = 4

// deleteSessionScript removes the session blob and its index entry in one
// atomic step. Returns 1 if the blob existed, so deletion stays idempotent.
const deleteSessionScript = `
redis.call("SREM", KEYS[2], ARGV[1])
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is the Redis-backed session store. All mutations are atomic per key:
// multi-key writes go through MULTI/EXEC pipelines, read-modify-write paths
// through WATCH compare-and-swap, and deletes through a Lua script.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] on the given client under a key prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(orgID, sessionID string) string {
	return s.prefix + ":s:" + normalizeOrg(orgID) + ":" + sessionID
}

func (s *Store) userKey(orgID, userID string) string {
	return s.prefix + ":u:" + normalizeOrg(orgID) + ":" + userID
}

func normalizeOrg(orgID string) string {
	if orgID == "" {
		return "0"
	}
	return orgID
}

// TouchPolicy parameterizes a per-request activity touch.
type TouchPolicy struct {
	Now         time.Time
	IdleTimeout time.Duration

	// Extend advances ExpiresAt by Extension when remaining lifetime drops
	// below ExtendGrace, never past CreatedAt+MaxLifetime (0 = unbounded).
	Extend      bool
	ExtendGrace time.Duration
	Extension   time.Duration
	MaxLifetime time.Duration

	// BoundIP and BoundFingerprint, when non-empty, must equal the values
	// recorded at session creation. A mismatch aborts the touch before any
	// write, so a rejected request never counts as activity or extends the
	// session.
	BoundIP          string
	BoundFingerprint string
}

// Save persists a session and registers it in the per-user index.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.OrgID, sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.OrgID, sess.UserID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get fetches a session without mutating any store state.
func (s *Store) Get(ctx context.Context, orgID, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(orgID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	if sess.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return sess, nil
}

// Touch validates liveness and records activity in one atomic step: absolute
// expiry and idle timeout destroy the session; otherwise LastActivity
// advances and, under the policy's grace window, ExpiresAt is extended up to
// the lifetime ceiling. Returns the post-touch session.
func (s *Store) Touch(ctx context.Context, orgID, sessionID string, policy TouchPolicy) (*Session, error) {
	key := s.key(orgID, sessionID)

	for i := 0; i < casRetries; i++ {
		var touched *Session

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.SessionID = sessionID

			now := policy.Now
			if now.IsZero() {
				now = time.Now()
			}

			if sess.Expired(now) {
				return s.txDelete(ctx, tx, sess, ErrExpired)
			}
			if sess.Idle(now, policy.IdleTimeout) {
				return s.txDelete(ctx, tx, sess, ErrIdleExpired)
			}

			if policy.BoundIP != "" && sess.IPAddress != "" && policy.BoundIP != sess.IPAddress {
				return ErrIPBindingMismatch
			}
			if policy.BoundFingerprint != "" && sess.Fingerprint != "" &&
				policy.BoundFingerprint != sess.Fingerprint {
				return ErrFingerprintMismatch
			}

			sess.LastActivity = now.Unix()
			if policy.Extend && policy.Extension > 0 {
				remaining := time.Unix(sess.ExpiresAt, 0).Sub(now)
				if remaining < policy.ExtendGrace {
					next := now.Add(policy.Extension)
					if policy.MaxLifetime > 0 {
						cap := time.Unix(sess.CreatedAt, 0).Add(policy.MaxLifetime)
						if next.After(cap) {
							next = cap
						}
					}
					if next.Unix() > sess.ExpiresAt {
						sess.ExpiresAt = next.Unix()
					}
				}
			}

			updated, err := Encode(sess)
			if err != nil {
				return err
			}

			ttl := time.Unix(sess.ExpiresAt, 0).Sub(now)
			if ttl <= 0 {
				return s.txDelete(ctx, tx, sess, ErrExpired)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			touched = sess
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			if errors.Is(err, ErrExpired) || errors.Is(err, ErrIdleExpired) ||
				errors.Is(err, ErrIPBindingMismatch) || errors.Is(err, ErrFingerprintMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return touched, nil
	}

	return nil, fmt.Errorf("%w: touch contention", ErrUnavailable)
}

// RotateRefreshHash atomically swaps the stored refresh hash, preserving the
// remaining TTL. A mismatched hash means a rotated-out token was replayed;
// the session is destroyed and ErrRefreshHashMismatch returned.
func (s *Store) RotateRefreshHash(
	ctx context.Context,
	orgID, sessionID string,
	providedHash, nextHash [32]byte,
) (*Session, error) {
	key := s.key(orgID, sessionID)

	for i := 0; i < casRetries; i++ {
		var rotated *Session

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.SessionID = sessionID

			now := time.Now()
			if sess.Expired(now) {
				return s.txDelete(ctx, tx, sess, ErrExpired)
			}
			if sess.RefreshHash != providedHash {
				return s.txDelete(ctx, tx, sess, ErrRefreshHashMismatch)
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return s.txDelete(ctx, tx, sess, ErrExpired)
			}

			sess.RefreshHash = nextHash
			sess.LastActivity = now.Unix()
			updated, err := Encode(sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			rotated = sess
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrNotFound
			}
			if errors.Is(err, ErrExpired) || errors.Is(err, ErrRefreshHashMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return rotated, nil
	}

	return nil, fmt.Errorf("%w: rotate contention", ErrUnavailable)
}

// Delete removes a session and its index entry. Missing sessions are a no-op
// so logout stays idempotent.
func (s *Store) Delete(ctx context.Context, orgID, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(orgID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return s.deleteSessionAndIndex(ctx, orgID, sess.UserID, sessionID)
}

// DeleteAllForUser removes every tracked session for a user within an org.
// Not fully atomic: a session created between the read and delete phases
// survives and is caught by the next sweep or call.
func (s *Store) DeleteAllForUser(ctx context.Context, orgID, userID string) error {
	userKey := s.userKey(orgID, userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(sessionIDs)+1)
	for _, sid := range sessionIDs {
		keys = append(keys, s.key(orgID, sid))
	}
	keys = append(keys, userKey)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns the tracked session IDs for a user.
func (s *Store) ActiveSessionIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(orgID, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// ActiveSessionCount returns the number of tracked session IDs for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, orgID, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(orgID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// GetManyReadOnly fetches multiple sessions without mutating store state.
// Missing or expired entries are skipped.
func (s *Store) GetManyReadOnly(ctx context.Context, orgID string, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(orgID, sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now()
	sessions := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = sessionIDs[i]
		if sess.Expired(now) {
			continue
		}
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// PruneUserIndex drops index entries whose session blobs have expired out of
// Redis. Returns the number of stale entries removed.
func (s *Store) PruneUserIndex(ctx context.Context, orgID, userID string) (int, error) {
	userKey := s.userKey(orgID, userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		existsCmds[i] = pipe.Exists(ctx, s.key(orgID, sid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stale := make([]interface{}, 0, len(sessionIDs))
	for i, cmd := range existsCmds {
		n, cmdErr := cmd.Result()
		if cmdErr != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		if n == 0 {
			stale = append(stale, sessionIDs[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(stale), nil
}

// SweepIndexes walks every per-user index and prunes stale entries. Admin/
// background use only; O(total index keys).
func (s *Store) SweepIndexes(ctx context.Context) (int, error) {
	pattern := s.prefix + ":u:*"
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, userKey := range keys {
			rest := strings.TrimPrefix(userKey, s.prefix+":u:")
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 {
				continue
			}
			n, err := s.PruneUserIndex(ctx, parts[0], parts[1])
			if err != nil {
				return removed, err
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

// Ping returns a point-in-time store availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

// txDelete destroys the session inside a WATCH transaction and returns the
// given reason as the transaction error.
func (s *Store) txDelete(ctx context.Context, tx *redis.Tx, sess *Session, reason error) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sess.OrgID, sess.SessionID))
		pipe.SRem(ctx, s.userKey(sess.OrgID, sess.UserID), sess.SessionID)
		return nil
	})
	if err != nil {
		return err
	}
	return reason
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, orgID, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(orgID, sessionID), s.userKey(orgID, userID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
