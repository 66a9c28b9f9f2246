package authgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal"
	"github.com/kestrelsec/authgate/session"
	"github.com/kestrelsec/authgate/token"
)

// Validate authenticates one request: token signature and expiry, then
// session liveness (absolute expiry, idle timeout) and IP/fingerprint
// binding, all checked inside one atomic store operation. Only a request
// that passes every check advances the activity timestamp and, near expiry,
// extends the lifetime up to the security-level ceiling; rejected requests
// leave the session untouched.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if accessToken == "" {
		return nil, ErrTokenMissing
	}

	if err := e.CheckRequest(ctx); err != nil {
		return nil, err
	}

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityMedium,
			Action:    ActionAuthFailed,
			Outcome:   OutcomeFailure,
			Error:     "invalid token signature or claims",
		})
		return nil, ErrTokenInvalid
	}

	role, err := ParseRole(claims.Role)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, ErrTokenInvalid
	}
	policy := e.config.policy(role)

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	touch := session.TouchPolicy{
		IdleTimeout: policy.IdleTimeout,
		Extend:      e.config.Session.ActivityExtension,
		ExtendGrace: e.config.Session.ExtensionGrace,
		Extension:   e.sessionLifetime(policy),
		MaxLifetime: e.sessionLifetime(policy),
	}
	if e.config.Session.CheckIPBinding {
		touch.BoundIP = clientIPFromContext(ctx)
	}
	if e.config.Session.CheckUserAgentBinding {
		touch.BoundFingerprint = internal.Fingerprint(userAgentFromContext(ctx))
	}

	sess, err := e.sessionStore.Touch(sctx, claims.Org, claims.SID, touch)
	if err != nil {
		return e.validateTouchFailure(ctx, claims, role, err)
	}

	e.metricInc(MetricValidateSuccess)
	if e.config.Audit.VerboseValidate {
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityLow,
			Action:    "REQUEST_VALIDATED",
			Outcome:   OutcomeSuccess,
			UserID:    claims.UID,
			OrgID:     claims.Org,
			SessionID: claims.SID,
		})
	}

	return &AuthResult{
		Principal: Principal{
			ID:       claims.UID,
			Username: claims.Name,
			Role:     role,
			OrgID:    claims.Org,
		},
		SessionID:   claims.SID,
		MFAVerified: sess.MFAVerified,
	}, nil
}

// validateTouchFailure maps store outcomes onto the public taxonomy, taking
// the degraded stateless path when the store is down and policy allows it.
func (e *Engine) validateTouchFailure(
	ctx context.Context,
	claims *token.AccessClaims,
	role Role,
	err error,
) (*AuthResult, error) {
	switch {
	case errors.Is(err, session.ErrIdleExpired):
		e.metricInc(MetricValidateFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventSession,
			Severity:  SeverityLow,
			Action:    ActionSessionExpired,
			Outcome:   OutcomeFailure,
			UserID:    claims.UID,
			OrgID:     claims.Org,
			SessionID: claims.SID,
			Metadata:  map[string]string{"reason": "idle"},
		})
		return nil, ErrSessionIdleExpired

	case errors.Is(err, session.ErrIPBindingMismatch):
		e.metricInc(MetricValidateFailure)
		e.metricInc(MetricIPMismatch)
		e.handleSuspicious(ctx, claims, e.config.policy(role), ActionIPMismatch)
		return nil, ErrIPMismatch

	case errors.Is(err, session.ErrFingerprintMismatch):
		e.metricInc(MetricValidateFailure)
		e.metricInc(MetricUAMismatch)
		e.handleSuspicious(ctx, claims, e.config.policy(role), ActionFingerprintMismatch)
		return nil, ErrUserAgentMismatch

	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		e.metricInc(MetricValidateFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventSession,
			Severity:  SeverityLow,
			Action:    ActionSessionExpired,
			Outcome:   OutcomeFailure,
			UserID:    claims.UID,
			OrgID:     claims.Org,
			SessionID: claims.SID,
		})
		return nil, ErrSessionInvalid

	case errors.Is(err, session.ErrUnavailable):
		if !e.config.Session.AllowStatelessFallback {
			e.metricInc(MetricValidateFailure)
			return nil, ErrSessionUnavailable
		}

		// Signature and expiry already held; accept claims alone and mark
		// the result so route policy can refuse degraded auth.
		e.metricInc(MetricValidateDegraded)
		e.log().Warn("session store unreachable, stateless fallback",
			zap.String("sid", claims.SID), zap.Error(err))
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityMedium,
			Action:    ActionDegradedValidation,
			Outcome:   OutcomeSecurityEvent,
			UserID:    claims.UID,
			OrgID:     claims.Org,
			SessionID: claims.SID,
		})
		return &AuthResult{
			Principal: Principal{
				ID:       claims.UID,
				Username: claims.Name,
				Role:     role,
				OrgID:    claims.Org,
			},
			SessionID: claims.SID,
			Degraded:  true,
		}, nil

	default:
		e.metricInc(MetricValidateFailure)
		return nil, ErrSessionInvalid
	}
}

// handleSuspicious reacts to a binding mismatch: under a strict role policy
// the session is destroyed so the holder must re-authenticate; otherwise it
// survives for the legitimate client at the original binding. Either way the
// event is audited as a security event.
func (e *Engine) handleSuspicious(
	ctx context.Context,
	claims *token.AccessClaims,
	policy RolePolicy,
	action string,
) {
	if policy.ReauthOnSuspicious {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		if err := e.sessionStore.Delete(sctx, claims.Org, claims.SID); err != nil {
			e.log().Warn("suspicious session teardown failed", zap.Error(err))
		} else {
			e.metricInc(MetricSessionInvalidated)
		}
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: eventSession,
		Severity:  SeverityHigh,
		Action:    action,
		Outcome:   OutcomeSecurityEvent,
		UserID:    claims.UID,
		OrgID:     claims.Org,
		SessionID: claims.SID,
		Metadata:  map[string]string{"reauth": boolString(policy.ReauthOnSuspicious)},
	})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RequireRole enforces a route allow-list on a validated result. An empty
// list allows every role.
func (e *Engine) RequireRole(ctx context.Context, result *AuthResult, allowed ...Role) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if result == nil {
		return ErrTokenMissing
	}
	if len(allowed) == 0 {
		return nil
	}

	for _, role := range allowed {
		if result.Principal.Role == role {
			return nil
		}
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: eventAccess,
		Severity:  SeverityHigh,
		Action:    ActionUnauthorizedAccess,
		Outcome:   OutcomeSecurityEvent,
		UserID:    result.Principal.ID,
		OrgID:     result.Principal.OrgID,
		SessionID: result.SessionID,
		Metadata:  map[string]string{"role": string(result.Principal.Role)},
	})
	return ErrInsufficientRole
}

// RequireMFA rejects results whose session never completed a second factor.
// Degraded results fail closed: without the session record the MFA flag is
// unknowable.
func (e *Engine) RequireMFA(ctx context.Context, result *AuthResult) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if result == nil {
		return ErrTokenMissing
	}
	if result.Degraded {
		return ErrSessionRequired
	}
	if !result.MFAVerified {
		return ErrMFARequired
	}
	return nil
}
