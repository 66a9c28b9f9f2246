package authgate

import (
	"context"
	"errors"

	"github.com/kestrelsec/authgate/session"
	"github.com/kestrelsec/authgate/token"
)

// Refresh rotates a refresh token: the presented token's hash is atomically
// compared-and-swapped against the session record, so each refresh token is
// single-use. Replaying a rotated-out token destroys the session and returns
// ErrRefreshReuse. A valid token whose session record has aged out gets a
// fresh session instead of a hard failure.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if refreshToken == "" {
		return nil, ErrTokenMissing
	}

	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if err := e.guardAuthRequest(ctx, claims.Org); err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	// Canonical principal: role or profile changes since issuance must land
	// in the new tokens.
	principal, err := e.directory.GetPrincipal(ctx, claims.UID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}
	role, err := ParseRole(string(principal.Role))
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}
	principal.Role = role

	nextRefresh, err := e.tokens.CreateRefresh(principal.ID, principal.OrgID, claims.SID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	_, err = e.sessionStore.RotateRefreshHash(
		sctx, claims.Org, claims.SID, token.Hash(refreshToken), token.Hash(nextRefresh),
	)
	switch {
	case err == nil:
		// Rotated in place.

	case errors.Is(err, session.ErrRefreshHashMismatch):
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityCritical,
			Action:    ActionRefreshReuse,
			Outcome:   OutcomeSecurityEvent,
			UserID:    claims.UID,
			OrgID:     claims.Org,
			SessionID: claims.SID,
		})
		return nil, ErrRefreshReuse

	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		// Token outlived its session record; issue a fresh session. MFA
		// status does not carry over, so gated routes re-challenge.
		result, issueErr := e.issueSession(ctx, principal, e.config.policy(role), false)
		if issueErr != nil {
			e.metricInc(MetricRefreshFailure)
			return nil, issueErr
		}
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityLow,
			Action:    ActionTokenRefresh,
			Outcome:   OutcomeSuccess,
			UserID:    principal.ID,
			OrgID:     principal.OrgID,
			SessionID: result.SessionID,
			Metadata:  map[string]string{"recreated": "true"},
		})
		return result, nil

	default:
		e.metricInc(MetricRefreshFailure)
		return nil, ErrSessionUnavailable
	}

	accessToken, err := e.tokens.CreateAccess(
		principal.ID, principal.Username, principal.OrgID, string(role), claims.SID,
	)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventAuthentication,
		Severity:  SeverityLow,
		Action:    ActionTokenRefresh,
		Outcome:   OutcomeSuccess,
		UserID:    principal.ID,
		OrgID:     principal.OrgID,
		SessionID: claims.SID,
	})

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: nextRefresh,
		SessionID:    claims.SID,
	}, nil
}
