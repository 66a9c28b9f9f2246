package authgate

import (
	"errors"
	"time"
)

// Config defines the full tuning surface of the engine. Instances are
// configured during initialization and treated as immutable afterwards.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Roles     map[Role]RolePolicy
	MFA       MFAConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access/refresh token issuance and verification.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the Redis-backed session store and the per-request
// validation policy knobs shared by all roles.
type SessionConfig struct {
	RedisPrefix string

	// StoreTimeout bounds every session-store round trip on the request path.
	StoreTimeout time.Duration

	// ActivityExtension advances expiry on validated requests when the
	// remaining lifetime drops below ExtensionGrace.
	ActivityExtension bool
	ExtensionGrace    time.Duration

	CheckIPBinding        bool
	CheckUserAgentBinding bool

	// AllowStatelessFallback accepts access-token claims without a store
	// round trip while the store is unreachable. Every such validation is
	// audited as degraded.
	AllowStatelessFallback bool

	// LevelCeilings caps total session lifetime per security level. A zero
	// entry means the role timeout applies unchanged.
	LevelCeilings map[SecurityLevel]time.Duration

	SweepInterval time.Duration
}

/*
====================================
ROLE POLICY
====================================
*/

// RolePolicy is the per-role session and MFA policy table.
type RolePolicy struct {
	Timeout               time.Duration
	IdleTimeout           time.Duration
	MaxConcurrentSessions int
	SecurityLevel         SecurityLevel

	// ReauthOnSuspicious deactivates the session immediately on an IP or
	// fingerprint mismatch instead of only auditing the anomaly.
	ReauthOnSuspicious bool

	MFARequired bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP parameters, backup codes, OTP challenges, and the
// per-user failure lockout.
type MFAConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"

	EnforceReplayProtection bool

	BackupCodeCount  int
	BackupCodeLength int

	OTPDigits      int
	OTPTTL         time.Duration
	OTPMaxAttempts int

	ChallengeTTL time.Duration

	MaxFailedAttempts int
	FailureWindow     time.Duration
	LockoutDuration   time.Duration

	// TrustDeviceTTL is how long a remembered device bypasses the MFA gate.
	// Zero disables device trust entirely.
	TrustDeviceTTL time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig controls the brute-force guard: the general fixed-window
// limiter, the stricter auth-endpoint limiter, and the inter-arrival
// velocity tracker. Thresholds are tunable policy, not a contract.
type RateLimitConfig struct {
	Enabled bool

	MaxRequests int
	Window      time.Duration

	AuthMaxRequests int
	AuthWindow      time.Duration

	MinInterval        time.Duration
	SuspicionThreshold int
	SuspicionWindow    time.Duration
	BlockDuration      time.Duration

	SweepInterval time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool

	// AlertThreshold forwards events with RiskScore >= threshold to the
	// alert sink.
	AlertThreshold int

	// VerboseValidate additionally audits every successful validation.
	// Off by default: the hot path emits failures and transitions only.
	VerboseValidate bool
}

// MetricsConfig toggles the atomic counter table.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns a production-leaning baseline: 15m access tokens,
// 7d refresh tokens, conservative role policies, and MFA lockout after five
// failures in fifteen minutes.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authgate",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:           "ag",
			StoreTimeout:          2 * time.Second,
			ActivityExtension:     true,
			ExtensionGrace:        30 * time.Minute,
			CheckIPBinding:        true,
			CheckUserAgentBinding: true,
			LevelCeilings: map[SecurityLevel]time.Duration{
				LevelStandard: 24 * time.Hour,
				LevelHigh:     8 * time.Hour,
				LevelCritical: time.Hour,
			},
			SweepInterval: 5 * time.Minute,
		},
		Roles: map[Role]RolePolicy{
			RoleStudent: {
				Timeout:               4 * time.Hour,
				IdleTimeout:           30 * time.Minute,
				MaxConcurrentSessions: 3,
				SecurityLevel:         LevelStandard,
			},
			RoleInstructor: {
				Timeout:               8 * time.Hour,
				IdleTimeout:           time.Hour,
				MaxConcurrentSessions: 5,
				SecurityLevel:         LevelStandard,
			},
			RoleStaff: {
				Timeout:               8 * time.Hour,
				IdleTimeout:           30 * time.Minute,
				MaxConcurrentSessions: 3,
				SecurityLevel:         LevelHigh,
				ReauthOnSuspicious:    true,
			},
			RoleAdmin: {
				Timeout:               time.Hour,
				IdleTimeout:           15 * time.Minute,
				MaxConcurrentSessions: 2,
				SecurityLevel:         LevelCritical,
				ReauthOnSuspicious:    true,
				MFARequired:           true,
			},
		},
		MFA: MFAConfig{
			Issuer:            "authgate",
			Digits:            6,
			Period:            30,
			Skew:              1,
			Algorithm:         "SHA1",
			BackupCodeCount:   10,
			BackupCodeLength:  8,
			OTPDigits:         6,
			OTPTTL:            5 * time.Minute,
			OTPMaxAttempts:    5,
			ChallengeTTL:      5 * time.Minute,
			MaxFailedAttempts: 5,
			FailureWindow:     15 * time.Minute,
			LockoutDuration:   15 * time.Minute,
			TrustDeviceTTL:    30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			MaxRequests:        100,
			Window:             time.Minute,
			AuthMaxRequests:    10,
			AuthWindow:         5 * time.Minute,
			MinInterval:        2 * time.Second,
			SuspicionThreshold: 10,
			SuspicionWindow:    time.Minute,
			BlockDuration:      15 * time.Minute,
			SweepInterval:      10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:        true,
			BufferSize:     1024,
			DropIfFull:     true,
			AlertThreshold: 7,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("token: AccessTTL must be positive")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("token: RefreshTTL must be positive")
	}
	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return errors.New("token: RefreshTTL must not be shorter than AccessTTL")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("token: Leeway out of range")
	}
	switch c.Token.SigningMethod {
	case "ed25519", "hs256":
	default:
		return errors.New("token: unsupported signing method")
	}

	if c.Session.RedisPrefix == "" {
		return errors.New("session: RedisPrefix required")
	}
	if c.Session.StoreTimeout <= 0 {
		return errors.New("session: StoreTimeout must be positive")
	}
	if c.Session.ActivityExtension && c.Session.ExtensionGrace <= 0 {
		return errors.New("session: ExtensionGrace must be positive when ActivityExtension is on")
	}

	if len(c.Roles) == 0 {
		return errors.New("roles: at least one role policy required")
	}
	for role, p := range c.Roles {
		if _, err := ParseRole(string(role)); err != nil {
			return err
		}
		if p.Timeout <= 0 {
			return errors.New("roles: Timeout must be positive for " + string(role))
		}
		if p.IdleTimeout <= 0 {
			return errors.New("roles: IdleTimeout must be positive for " + string(role))
		}
		if p.MaxConcurrentSessions <= 0 {
			return errors.New("roles: MaxConcurrentSessions must be positive for " + string(role))
		}
	}

	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		return errors.New("mfa: Digits must be 6..8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("mfa: Period must be positive")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("mfa: Skew must be 0..2")
	}
	if c.MFA.MaxFailedAttempts <= 0 {
		return errors.New("mfa: MaxFailedAttempts must be positive")
	}
	if c.MFA.LockoutDuration <= 0 {
		return errors.New("mfa: LockoutDuration must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
			return errors.New("ratelimit: MaxRequests and Window must be positive")
		}
		if c.RateLimit.AuthMaxRequests <= 0 || c.RateLimit.AuthWindow <= 0 {
			return errors.New("ratelimit: AuthMaxRequests and AuthWindow must be positive")
		}
		if c.RateLimit.SuspicionThreshold <= 0 || c.RateLimit.BlockDuration <= 0 {
			return errors.New("ratelimit: SuspicionThreshold and BlockDuration must be positive")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit: BufferSize must be positive")
	}
	if c.Audit.AlertThreshold < 0 || c.Audit.AlertThreshold > 10 {
		return errors.New("audit: AlertThreshold must be 0..10")
	}

	return nil
}

// policy returns the role policy, falling back to the student policy so an
// unknown role never gains a more permissive table entry.
func (c Config) policy(role Role) RolePolicy {
	if p, ok := c.Roles[role]; ok {
		return p
	}
	return c.Roles[RoleStudent]
}

// levelCeiling returns the lifetime ceiling for a security level, zero when
// unbounded.
func (c Config) levelCeiling(level SecurityLevel) time.Duration {
	return c.Session.LevelCeilings[level]
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)

	out.Roles = make(map[Role]RolePolicy, len(cfg.Roles))
	for role, p := range cfg.Roles {
		out.Roles[role] = p
	}
	out.Session.LevelCeilings = make(map[SecurityLevel]time.Duration, len(cfg.Session.LevelCeilings))
	for level, d := range cfg.Session.LevelCeilings {
		out.Session.LevelCeilings[level] = d
	}

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
