package authgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenMissing is returned when no access token accompanies a request.
	ErrTokenMissing = errors.New("access token missing")
	// ErrTokenInvalid is returned for malformed or badly signed tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionInvalid is returned when the embedded session is absent,
	// deactivated, expired, or idle past its role's idle timeout.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionRequired is returned when a route demands a store-backed
	// session and only stateless claims are available.
	ErrSessionRequired = errors.New("session required")
	// ErrSessionIdleExpired marks the idle-timeout branch of ErrSessionInvalid.
	ErrSessionIdleExpired = errors.New("session idle expired")
	// ErrIPMismatch is returned when the bound IP differs under strict policy.
	ErrIPMismatch = errors.New("session ip mismatch")
	// ErrUserAgentMismatch is returned when the coarse device fingerprint
	// differs under strict policy.
	ErrUserAgentMismatch = errors.New("session user agent mismatch")
	// ErrInsufficientRole is returned when the principal's role is not in the
	// route allow-list.
	ErrInsufficientRole = errors.New("insufficient permissions")
	// ErrMFARequired is returned when the role policy demands a verified
	// second factor the session does not carry.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAVerificationFailed is returned for wrong, replayed, or expired
	// MFA codes.
	ErrMFAVerificationFailed = errors.New("mfa verification failed")
	// ErrMFARateLimited is returned while the per-user MFA lockout is active.
	ErrMFARateLimited = errors.New("mfa attempts rate limited")
	// ErrRateLimited is returned when a request-velocity or fixed-window
	// limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrSessionUnavailable is returned when the session store is unreachable
	// and policy forbids stateless fallback.
	ErrSessionUnavailable = errors.New("session store unavailable")
	// ErrRefreshReuse is returned when a rotated-out refresh token is replayed.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRoleUnknown is returned for role strings outside the closed enum.
	ErrRoleUnknown = errors.New("unknown role")
	// ErrEngineNotReady is returned by methods on an unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// MFALockoutError reports an active MFA lockout and how long it has left.
// It unwraps to [ErrMFARateLimited], so errors.Is checks keep working;
// callers that need the duration (Retry-After headers, operator tooling)
// reach it through errors.As.
type MFALockoutError struct {
	Remaining time.Duration
}

func (e *MFALockoutError) Error() string {
	return fmt.Sprintf("mfa attempts rate limited: retry in %s", e.Remaining.Round(time.Second))
}

func (e *MFALockoutError) Unwrap() error { return ErrMFARateLimited }

// Wire error codes carried in the JSON error envelope.
const (
	CodeTokenMissing            = "AUTH_TOKEN_MISSING"
	CodeTokenInvalid            = "AUTH_TOKEN_INVALID"
	CodeTokenExpired            = "AUTH_TOKEN_EXPIRED"
	CodeSessionInvalid          = "AUTH_SESSION_INVALID"
	CodeSessionRequired         = "AUTH_SESSION_REQUIRED"
	CodeIPMismatch              = "AUTH_IP_MISMATCH"
	CodeUserAgentMismatch       = "AUTH_USER_AGENT_MISMATCH"
	CodeInsufficientPermissions = "AUTH_INSUFFICIENT_PERMISSIONS"
	CodeMFARequired             = "MFA_REQUIRED"
	CodeMFAVerificationFailed   = "MFA_VERIFICATION_FAILED"
	CodeMFARateLimited          = "MFA_RATE_LIMITED"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeSessionUnavailable      = "SESSION_UNAVAILABLE"
	CodeInternal                = "INTERNAL_ERROR"
)

// Code maps a sentinel error to its wire error code. Unrecognized errors map
// to CodeInternal so internals never leak into responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return CodeTokenMissing
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrRefreshReuse), errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, ErrSessionIdleExpired), errors.Is(err, ErrSessionInvalid):
		return CodeSessionInvalid
	case errors.Is(err, ErrSessionRequired):
		return CodeSessionRequired
	case errors.Is(err, ErrIPMismatch):
		return CodeIPMismatch
	case errors.Is(err, ErrUserAgentMismatch):
		return CodeUserAgentMismatch
	case errors.Is(err, ErrInsufficientRole), errors.Is(err, ErrRoleUnknown):
		return CodeInsufficientPermissions
	case errors.Is(err, ErrMFARequired):
		return CodeMFARequired
	case errors.Is(err, ErrMFAVerificationFailed):
		return CodeMFAVerificationFailed
	case errors.Is(err, ErrMFARateLimited):
		return CodeMFARateLimited
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrSessionUnavailable):
		return CodeSessionUnavailable
	default:
		return CodeInternal
	}
}
