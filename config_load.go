package authgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML loading. Durations are strings in
// time.ParseDuration syntax; absent fields keep their defaults.
type fileConfig struct {
	Token struct {
		AccessTTL     string `yaml:"access_ttl"`
		RefreshTTL    string `yaml:"refresh_ttl"`
		SigningMethod string `yaml:"signing_method"`
		Issuer        string `yaml:"issuer"`
		Leeway        string `yaml:"leeway"`
	} `yaml:"token"`

	Session struct {
		RedisPrefix            string            `yaml:"redis_prefix"`
		StoreTimeout           string            `yaml:"store_timeout"`
		ActivityExtension      *bool             `yaml:"activity_extension"`
		ExtensionGrace         string            `yaml:"extension_grace"`
		CheckIPBinding         *bool             `yaml:"check_ip_binding"`
		CheckUserAgentBinding  *bool             `yaml:"check_user_agent_binding"`
		AllowStatelessFallback *bool             `yaml:"allow_stateless_fallback"`
		LevelCeilings          map[string]string `yaml:"level_ceilings"`
		SweepInterval          string            `yaml:"sweep_interval"`
	} `yaml:"session"`

	Roles map[string]struct {
		Timeout               string `yaml:"timeout"`
		IdleTimeout           string `yaml:"idle_timeout"`
		MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
		SecurityLevel         string `yaml:"security_level"`
		ReauthOnSuspicious    bool   `yaml:"reauth_on_suspicious"`
		MFARequired           bool   `yaml:"mfa_required"`
	} `yaml:"roles"`

	MFA struct {
		Issuer            string `yaml:"issuer"`
		Digits            int    `yaml:"digits"`
		Period            int    `yaml:"period"`
		Skew              int    `yaml:"skew"`
		Algorithm         string `yaml:"algorithm"`
		BackupCodeCount   int    `yaml:"backup_code_count"`
		BackupCodeLength  int    `yaml:"backup_code_length"`
		OTPDigits         int    `yaml:"otp_digits"`
		OTPTTL            string `yaml:"otp_ttl"`
		OTPMaxAttempts    int    `yaml:"otp_max_attempts"`
		ChallengeTTL      string `yaml:"challenge_ttl"`
		MaxFailedAttempts int    `yaml:"max_failed_attempts"`
		FailureWindow     string `yaml:"failure_window"`
		LockoutDuration   string `yaml:"lockout_duration"`
		TrustDeviceTTL    string `yaml:"trust_device_ttl"`
	} `yaml:"mfa"`

	RateLimit struct {
		Enabled            *bool  `yaml:"enabled"`
		MaxRequests        int    `yaml:"max_requests"`
		Window             string `yaml:"window"`
		AuthMaxRequests    int    `yaml:"auth_max_requests"`
		AuthWindow         string `yaml:"auth_window"`
		MinInterval        string `yaml:"min_interval"`
		SuspicionThreshold int    `yaml:"suspicion_threshold"`
		SuspicionWindow    string `yaml:"suspicion_window"`
		BlockDuration      string `yaml:"block_duration"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"rate_limit"`

	Audit struct {
		Enabled         *bool `yaml:"enabled"`
		BufferSize      int   `yaml:"buffer_size"`
		DropIfFull      *bool `yaml:"drop_if_full"`
		AlertThreshold  *int  `yaml:"alert_threshold"`
		VerboseValidate bool  `yaml:"verbose_validate"`
	} `yaml:"audit"`

	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// LoadConfig reads a YAML file and overlays it on [DefaultConfig]. Signing
// keys are not loadable from files; set them on the returned Config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setDur := func(dst *time.Duration, v, field string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config field %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	if err := setDur(&cfg.Token.AccessTTL, fc.Token.AccessTTL, "token.access_ttl"); err != nil {
		return err
	}
	if err := setDur(&cfg.Token.RefreshTTL, fc.Token.RefreshTTL, "token.refresh_ttl"); err != nil {
		return err
	}
	if err := setDur(&cfg.Token.Leeway, fc.Token.Leeway, "token.leeway"); err != nil {
		return err
	}
	setString(&cfg.Token.SigningMethod, fc.Token.SigningMethod)
	setString(&cfg.Token.Issuer, fc.Token.Issuer)

	setString(&cfg.Session.RedisPrefix, fc.Session.RedisPrefix)
	if err := setDur(&cfg.Session.StoreTimeout, fc.Session.StoreTimeout, "session.store_timeout"); err != nil {
		return err
	}
	setBool(&cfg.Session.ActivityExtension, fc.Session.ActivityExtension)
	if err := setDur(&cfg.Session.ExtensionGrace, fc.Session.ExtensionGrace, "session.extension_grace"); err != nil {
		return err
	}
	setBool(&cfg.Session.CheckIPBinding, fc.Session.CheckIPBinding)
	setBool(&cfg.Session.CheckUserAgentBinding, fc.Session.CheckUserAgentBinding)
	setBool(&cfg.Session.AllowStatelessFallback, fc.Session.AllowStatelessFallback)
	if err := setDur(&cfg.Session.SweepInterval, fc.Session.SweepInterval, "session.sweep_interval"); err != nil {
		return err
	}
	for name, v := range fc.Session.LevelCeilings {
		level, err := parseSecurityLevel(name)
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config field session.level_ceilings.%s: %w", name, err)
		}
		cfg.Session.LevelCeilings[level] = d
	}

	for name, rp := range fc.Roles {
		role, err := ParseRole(name)
		if err != nil {
			return err
		}
		p := cfg.Roles[role]
		if err := setDur(&p.Timeout, rp.Timeout, "roles."+name+".timeout"); err != nil {
			return err
		}
		if err := setDur(&p.IdleTimeout, rp.IdleTimeout, "roles."+name+".idle_timeout"); err != nil {
			return err
		}
		setInt(&p.MaxConcurrentSessions, rp.MaxConcurrentSessions)
		if rp.SecurityLevel != "" {
			level, err := parseSecurityLevel(rp.SecurityLevel)
			if err != nil {
				return err
			}
			p.SecurityLevel = level
		}
		p.ReauthOnSuspicious = rp.ReauthOnSuspicious
		p.MFARequired = rp.MFARequired
		cfg.Roles[role] = p
	}

	setString(&cfg.MFA.Issuer, fc.MFA.Issuer)
	setInt(&cfg.MFA.Digits, fc.MFA.Digits)
	setInt(&cfg.MFA.Period, fc.MFA.Period)
	if fc.MFA.Skew != 0 {
		cfg.MFA.Skew = fc.MFA.Skew
	}
	setString(&cfg.MFA.Algorithm, fc.MFA.Algorithm)
	setInt(&cfg.MFA.BackupCodeCount, fc.MFA.BackupCodeCount)
	setInt(&cfg.MFA.BackupCodeLength, fc.MFA.BackupCodeLength)
	setInt(&cfg.MFA.OTPDigits, fc.MFA.OTPDigits)
	if err := setDur(&cfg.MFA.OTPTTL, fc.MFA.OTPTTL, "mfa.otp_ttl"); err != nil {
		return err
	}
	setInt(&cfg.MFA.OTPMaxAttempts, fc.MFA.OTPMaxAttempts)
	if err := setDur(&cfg.MFA.ChallengeTTL, fc.MFA.ChallengeTTL, "mfa.challenge_ttl"); err != nil {
		return err
	}
	setInt(&cfg.MFA.MaxFailedAttempts, fc.MFA.MaxFailedAttempts)
	if err := setDur(&cfg.MFA.FailureWindow, fc.MFA.FailureWindow, "mfa.failure_window"); err != nil {
		return err
	}
	if err := setDur(&cfg.MFA.LockoutDuration, fc.MFA.LockoutDuration, "mfa.lockout_duration"); err != nil {
		return err
	}
	if err := setDur(&cfg.MFA.TrustDeviceTTL, fc.MFA.TrustDeviceTTL, "mfa.trust_device_ttl"); err != nil {
		return err
	}

	setBool(&cfg.RateLimit.Enabled, fc.RateLimit.Enabled)
	setInt(&cfg.RateLimit.MaxRequests, fc.RateLimit.MaxRequests)
	if err := setDur(&cfg.RateLimit.Window, fc.RateLimit.Window, "rate_limit.window"); err != nil {
		return err
	}
	setInt(&cfg.RateLimit.AuthMaxRequests, fc.RateLimit.AuthMaxRequests)
	if err := setDur(&cfg.RateLimit.AuthWindow, fc.RateLimit.AuthWindow, "rate_limit.auth_window"); err != nil {
		return err
	}
	if err := setDur(&cfg.RateLimit.MinInterval, fc.RateLimit.MinInterval, "rate_limit.min_interval"); err != nil {
		return err
	}
	setInt(&cfg.RateLimit.SuspicionThreshold, fc.RateLimit.SuspicionThreshold)
	if err := setDur(&cfg.RateLimit.SuspicionWindow, fc.RateLimit.SuspicionWindow, "rate_limit.suspicion_window"); err != nil {
		return err
	}
	if err := setDur(&cfg.RateLimit.BlockDuration, fc.RateLimit.BlockDuration, "rate_limit.block_duration"); err != nil {
		return err
	}
	if err := setDur(&cfg.RateLimit.SweepInterval, fc.RateLimit.SweepInterval, "rate_limit.sweep_interval"); err != nil {
		return err
	}

	setBool(&cfg.Audit.Enabled, fc.Audit.Enabled)
	setInt(&cfg.Audit.BufferSize, fc.Audit.BufferSize)
	setBool(&cfg.Audit.DropIfFull, fc.Audit.DropIfFull)
	if fc.Audit.AlertThreshold != nil {
		cfg.Audit.AlertThreshold = *fc.Audit.AlertThreshold
	}
	cfg.Audit.VerboseValidate = fc.Audit.VerboseValidate

	setBool(&cfg.Metrics.Enabled, fc.Metrics.Enabled)

	return nil
}

func parseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "standard":
		return LevelStandard, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", s)
	}
}
