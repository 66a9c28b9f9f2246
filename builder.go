package authgate

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal/limiters"
	"github.com/kestrelsec/authgate/internal/rate"
	"github.com/kestrelsec/authgate/internal/stores"
	"github.com/kestrelsec/authgate/session"
	"github.com/kestrelsec/authgate/token"
)

// Builder assembles an [Engine]. Single use: Build consumes the builder.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	directory UserDirectory
	sender    CodeSender
	auditSink AuditSink
	alertSink AlertSink
	logger    *zap.Logger

	built bool
}

// New returns a builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserDirectory wires the external user/profile store. Required.
func (b *Builder) WithUserDirectory(d UserDirectory) *Builder {
	b.directory = d
	return b
}

// WithCodeSender wires out-of-band OTP delivery. Optional; without it the
// email and sms MFA methods are unavailable.
func (b *Builder) WithCodeSender(s CodeSender) *Builder {
	b.sender = s
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithAlertSink wires the high-risk alert path. Optional.
func (b *Builder) WithAlertSink(sink AlertSink) *Builder {
	b.alertSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires every component, and starts the
// background sweepers.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("user directory required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tm, err := token.NewManager(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:       cfg,
		sessionStore: session.NewStore(b.redis, cfg.Session.RedisPrefix),
		tokens:       tm,
		directory:    b.directory,
		sender:       b.sender,
		logger:       logger,
		sweepStop:    make(chan struct{}),
	}

	engine.rateLimiter = rate.New(b.redis, rate.Config{
		Enabled:         cfg.RateLimit.Enabled,
		MaxRequests:     cfg.RateLimit.MaxRequests,
		Window:          cfg.RateLimit.Window,
		AuthMaxRequests: cfg.RateLimit.AuthMaxRequests,
		AuthWindow:      cfg.RateLimit.AuthWindow,
	})
	engine.velocity = rate.NewVelocity(b.redis, rate.VelocityConfig{
		Enabled:            cfg.RateLimit.Enabled,
		MinInterval:        cfg.RateLimit.MinInterval,
		SuspicionThreshold: cfg.RateLimit.SuspicionThreshold,
		SuspicionWindow:    cfg.RateLimit.SuspicionWindow,
		BlockDuration:      cfg.RateLimit.BlockDuration,
	})
	engine.mfaLockout = limiters.NewMFALockout(b.redis, limiters.MFALockoutConfig{
		MaxFailedAttempts: cfg.MFA.MaxFailedAttempts,
		FailureWindow:     cfg.MFA.FailureWindow,
		LockoutDuration:   cfg.MFA.LockoutDuration,
	})
	engine.challenges = stores.NewOTPChallengeStore(b.redis, "")
	engine.trusted = stores.NewTrustedDeviceStore(b.redis, "")
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, b.alertSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.MFA)

	engine.startSweepers()

	b.built = true
	return engine, nil
}
