package authgate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles the security layer reasons about. Business
// modules must parse inbound role strings through [ParseRole] instead of
// comparing ad-hoc strings.
type Role string

const (
	// RoleStudent is the default low-privilege role.
	RoleStudent Role = "student"
	// RoleInstructor covers teaching staff with elevated session allowances.
	RoleInstructor Role = "instructor"
	// RoleStaff covers administrative and HR personnel.
	RoleStaff Role = "staff"
	// RoleAdmin is the highest privilege tier; always MFA-gated by default.
	RoleAdmin Role = "admin"
)

// ParseRole maps a role string onto the closed enum.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleInstructor:
		return RoleInstructor, nil
	case RoleStaff:
		return RoleStaff, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrRoleUnknown, s)
	}
}

// SecurityLevel bounds maximum session lifetime and binding strictness.
type SecurityLevel uint8

const (
	// LevelStandard is the default classification.
	LevelStandard SecurityLevel = iota
	// LevelHigh tightens the session-lifetime ceiling.
	LevelHigh
	// LevelCritical caps sessions at one hour regardless of role timeout and
	// disables trusted-device MFA bypass.
	LevelCritical
)

func (l SecurityLevel) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "standard"
	}
}

// Principal identifies the authenticated caller. It is immutable per issued
// token; canonical values are reloaded from the [UserDirectory] on refresh.
type Principal struct {
	ID       string
	Username string
	Role     Role
	OrgID    string
}

// TokenPair is an access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginResult is returned by [Engine.Login] and [Engine.ConfirmMFA]. When
// MFARequired is set the tokens are empty and the caller must complete the
// referenced challenge.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string

	MFARequired bool
	MFAMethod   MFAMethod
	ChallengeID string
}

// AuthResult is returned by [Engine.Validate] for an authenticated request.
type AuthResult struct {
	Principal   Principal
	SessionID   string
	MFAVerified bool

	// Degraded marks a stateless-only validation performed while the session
	// store was unreachable and policy allowed the fallback.
	Degraded bool
}

// SessionInfo is a read-only session snapshot for introspection APIs.
type SessionInfo struct {
	SessionID     string
	UserID        string
	OrgID         string
	Role          Role
	IPAddress     string
	Device        string
	SecurityLevel SecurityLevel
	MFAVerified   bool
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
}

// MFAMethod selects the second factor used for a challenge.
type MFAMethod string

const (
	// MFATOTP verifies an authenticator-app time-based code.
	MFATOTP MFAMethod = "totp"
	// MFABackupCode consumes a single-use backup code.
	MFABackupCode MFAMethod = "backup_code"
	// MFAEmailOTP verifies a numeric code delivered by email.
	MFAEmailOTP MFAMethod = "email"
	// MFASMSOTP verifies a numeric code delivered by SMS.
	MFASMSOTP MFAMethod = "sms"
)

// TOTPRecord is retrieved from [UserDirectory.GetTOTPSecret]. LastUsedCounter
// provides replay protection across the accept window.
type TOTPRecord struct {
	Secret          []byte
	Enabled         bool
	Verified        bool
	LastUsedCounter int64
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code. The
// plaintext is never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// TOTPSetup is returned by [Engine.EnrollTOTP]: the base32 secret, the
// otpauth:// provisioning URI, and the freshly generated single-use backup
// codes (shown to the user exactly once).
type TOTPSetup struct {
	SecretBase32 string
	URI          string
	BackupCodes  []string
}

// UserDirectory is the external user/profile store. It supplies the canonical
// principal on refresh and owns MFA enrollment material. authgate never
// stores credentials itself.
type UserDirectory interface {
	GetPrincipal(ctx context.Context, userID string) (Principal, error)

	GetTOTPSecret(ctx context.Context, userID string) (*TOTPRecord, error)
	EnableTOTP(ctx context.Context, userID string, secret []byte) error
	MarkTOTPVerified(ctx context.Context, userID string) error
	UpdateTOTPLastUsedCounter(ctx context.Context, userID string, counter int64) error

	GetBackupCodes(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error)

	// ContactAddress resolves the delivery address for an OTP channel
	// ("email" or "sms").
	ContactAddress(ctx context.Context, userID, channel string) (string, error)
}

// CodeSender delivers OTP codes out of band. Send is invoked fire-and-forget
// on a background goroutine; failures are logged, never surfaced to the
// login path.
type CodeSender interface {
	Send(ctx context.Context, channel, address, code string) error
}

// AlertSink receives audit events whose risk score crosses the configured
// alert threshold.
type AlertSink interface {
	Alert(ctx context.Context, event AuditEvent)
}
