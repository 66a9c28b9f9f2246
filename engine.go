package authgate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal/limiters"
	"github.com/kestrelsec/authgate/internal/rate"
	"github.com/kestrelsec/authgate/internal/stores"
	"github.com/kestrelsec/authgate/session"
	"github.com/kestrelsec/authgate/token"
)

// Engine is the security core: session lifecycle, per-request validation,
// MFA, brute-force mitigation, and the audit trail. Construct through
// [Builder]; immutable and safe for concurrent use afterwards.
type Engine struct {
	config       Config
	sessionStore *session.Store
	rateLimiter  *rate.Limiter
	velocity     *rate.Velocity
	mfaLockout   *limiters.MFALockout
	challenges   *stores.OTPChallengeStore
	trusted      *stores.TrustedDeviceStore
	audit        *auditDispatcher
	metrics      *Metrics
	totp         *totpManager
	tokens       *token.Manager
	directory    UserDirectory
	sender       CodeSender
	logger       *zap.Logger

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
}

// Close stops the background sweepers and drains the audit dispatcher.
// Idempotent.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.sweepStop != nil {
			close(e.sweepStop)
			e.sweepWG.Wait()
		}
		if e.audit != nil {
			e.audit.Close()
		}
	})
}

// AuditDropped reports audit events discarded under dispatcher backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// RefreshTTL returns the configured refresh-token lifetime, so transports
// can align cookie expiry with token expiry.
func (e *Engine) RefreshTTL() time.Duration {
	if e == nil {
		return 0
	}
	return e.config.Token.RefreshTTL
}

// Ping reports session-store reachability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessionStore.Ping(ctx)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// storeCtx bounds a session-store round trip so a hung Redis connection
// cannot stall the request path.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.config.Session.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) log() *zap.Logger {
	if e == nil || e.logger == nil {
		return zap.NewNop()
	}
	return e.logger
}
