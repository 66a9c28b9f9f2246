package session

import "time"

// Session is the durable per-session record. All timestamps are Unix
// seconds; the Redis key TTL tracks ExpiresAt.
type Session struct {
	SessionID string
	UserID    string
	OrgID     string
	Role      string

	IPAddress   string
	Fingerprint string

	SecurityLevel uint8
	MFAVerified   bool

	// RefreshHash is the SHA-256 of the currently valid refresh token.
	// Rotation swaps it atomically; a stale hash means token reuse.
	RefreshHash [32]byte

	CreatedAt    int64
	LastActivity int64
	ExpiresAt    int64
}

// Expired reports whether the session is past its absolute expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

// Idle reports whether the session has been inactive longer than the
// given idle timeout.
func (s *Session) Idle(now time.Time, idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	return now.Sub(time.Unix(s.LastActivity, 0)) > idleTimeout
}
