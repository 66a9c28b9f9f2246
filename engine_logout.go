package authgate

import (
	"context"
)

// Logout terminates the session carried by the access token. The token may
// be expired: a caller holding a stale token can still end its own session.
// Idempotent; terminating an already-gone session succeeds.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accessToken == "" {
		return ErrTokenMissing
	}

	claims, err := e.tokens.ParseAccessExpired(accessToken)
	if err != nil {
		return ErrTokenInvalid
	}

	return e.LogoutSession(ctx, claims.Org, claims.UID, claims.SID)
}

// LogoutSession terminates one session by ID. Admin surface: a staff member
// can end another user's session.
func (e *Engine) LogoutSession(ctx context.Context, orgID, userID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.sessionStore.Delete(sctx, orgID, sessionID); err != nil {
		return ErrSessionUnavailable
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventSession,
		Severity:  SeverityLow,
		Action:    ActionLogout,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
		OrgID:     orgID,
		SessionID: sessionID,
	})
	return nil
}

// LogoutAll terminates every session of a user within the org, e.g. on
// password change or reported compromise. Trusted-device marks survive;
// revoke them separately when the device itself is suspect.
func (e *Engine) LogoutAll(ctx context.Context, orgID, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.sessionStore.DeleteAllForUser(sctx, orgID, userID); err != nil {
		return ErrSessionUnavailable
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventSession,
		Severity:  SeverityMedium,
		Action:    ActionLogoutAll,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
		OrgID:     orgID,
	})
	return nil
}
