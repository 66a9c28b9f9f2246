package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal"
	"github.com/kestrelsec/authgate/internal/rate"
	"github.com/kestrelsec/authgate/session"
	"github.com/kestrelsec/authgate/token"
)

// Login establishes a session for an already-authenticated principal.
// Credential verification happens upstream; this layer owns everything after
// it: brute-force guard, the MFA gate, concurrency limits, and token
// issuance. When the result carries MFARequired the tokens are empty and the
// caller must complete the challenge via [Engine.ConfirmMFA].
func (e *Engine) Login(ctx context.Context, principal Principal) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	role, err := ParseRole(string(principal.Role))
	if err != nil {
		return nil, err
	}
	principal.Role = role

	if err := e.guardAuthRequest(ctx, principal.OrgID); err != nil {
		e.metricInc(MetricLoginRateLimited)
		return nil, err
	}

	policy := e.config.policy(role)

	// Critical-level roles are MFA-gated even when the policy flag is off.
	mfaRequired := policy.MFARequired || policy.SecurityLevel == LevelCritical

	if mfaRequired {
		gated, err := e.mfaGate(ctx, principal, policy)
		if err != nil {
			return nil, err
		}
		if gated != nil {
			e.metricInc(MetricMFARequired)
			e.emitAudit(ctx, AuditEvent{
				EventType: eventMFA,
				Severity:  SeverityLow,
				Action:    ActionMFAChallengeIssued,
				Outcome:   OutcomeSuccess,
				UserID:    principal.ID,
				OrgID:     principal.OrgID,
				Metadata:  map[string]string{"method": string(gated.MFAMethod)},
			})
			return gated, nil
		}
	}

	result, err := e.issueSession(ctx, principal, policy, !mfaRequired)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAuthentication,
			Severity:  SeverityMedium,
			Action:    ActionLoginFailed,
			Outcome:   OutcomeFailure,
			UserID:    principal.ID,
			OrgID:     principal.OrgID,
			Error:     err.Error(),
		})
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventAuthentication,
		Severity:  SeverityLow,
		Action:    ActionLoginSuccess,
		Outcome:   OutcomeSuccess,
		UserID:    principal.ID,
		OrgID:     principal.OrgID,
		SessionID: result.SessionID,
	})
	return result, nil
}

// guardAuthRequest runs the strict auth-endpoint guard: active velocity
// block, then the fixed-window auth budget. Guard backend failures fail
// open with a log line so Redis trouble does not take logins down with it.
func (e *Engine) guardAuthRequest(ctx context.Context, orgID string) error {
	if !e.config.RateLimit.Enabled {
		return nil
	}
	ip := clientIPFromContext(ctx)
	if ip == "" {
		return nil
	}

	if _, err := e.velocity.Observe(ctx, ip); err != nil {
		if errors.Is(err, rate.ErrBlocked) {
			e.metricInc(MetricIPBlocked)
			e.emitAudit(ctx, AuditEvent{
				EventType: eventRateLimit,
				Severity:  SeverityHigh,
				Action:    ActionIPBlocked,
				Outcome:   OutcomeSecurityEvent,
				OrgID:     orgID,
			})
			return ErrRateLimited
		}
		e.log().Warn("velocity tracker unavailable, failing open", zap.Error(err))
	}

	if err := e.rateLimiter.AllowAuth(ctx, limiterID(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitRateLimit(ctx, "auth", orgID, nil)
			return ErrRateLimited
		}
		e.log().Warn("rate limiter unavailable, failing open", zap.Error(err))
	}
	return nil
}

// issueSession enforces the concurrency limit, persists the session, and
// signs the token pair.
func (e *Engine) issueSession(
	ctx context.Context,
	principal Principal,
	policy RolePolicy,
	mfaVerified bool,
) (*LoginResult, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.enforceSessionLimit(sctx, ctx, principal, policy.MaxConcurrentSessions); err != nil {
		return nil, err
	}

	now := time.Now()
	lifetime := e.sessionLifetime(policy)

	sid := uuid.NewString()
	accessToken, err := e.tokens.CreateAccess(
		principal.ID, principal.Username, principal.OrgID, string(principal.Role), sid,
	)
	if err != nil {
		return nil, err
	}
	refreshToken, err := e.tokens.CreateRefresh(principal.ID, principal.OrgID, sid)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		SessionID:     sid,
		UserID:        principal.ID,
		OrgID:         principal.OrgID,
		Role:          string(principal.Role),
		IPAddress:     clientIPFromContext(ctx),
		Fingerprint:   internal.Fingerprint(userAgentFromContext(ctx)),
		SecurityLevel: uint8(policy.SecurityLevel),
		MFAVerified:   mfaVerified,
		RefreshHash:   token.Hash(refreshToken),
		CreatedAt:     now.Unix(),
		LastActivity:  now.Unix(),
		ExpiresAt:     now.Add(lifetime).Unix(),
	}

	if err := e.sessionStore.Save(sctx, sess, lifetime); err != nil {
		return nil, ErrSessionUnavailable
	}

	e.metricInc(MetricSessionCreated)
	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    sid,
	}, nil
}

// sessionLifetime is the role timeout capped by the security-level ceiling.
func (e *Engine) sessionLifetime(policy RolePolicy) time.Duration {
	lifetime := policy.Timeout
	if ceiling := e.config.levelCeiling(policy.SecurityLevel); ceiling > 0 && lifetime > ceiling {
		lifetime = ceiling
	}
	return lifetime
}

// enforceSessionLimit evicts least-recently-active sessions until the new
// one fits under the role's concurrency cap. The index is pruned first so
// expired blobs do not count against the user.
func (e *Engine) enforceSessionLimit(
	sctx, auditCtx context.Context,
	principal Principal,
	maxSessions int,
) error {
	if maxSessions <= 0 {
		return nil
	}

	if _, err := e.sessionStore.PruneUserIndex(sctx, principal.OrgID, principal.ID); err != nil {
		return ErrSessionUnavailable
	}

	ids, err := e.sessionStore.ActiveSessionIDs(sctx, principal.OrgID, principal.ID)
	if err != nil {
		return ErrSessionUnavailable
	}
	if len(ids) < maxSessions {
		return nil
	}

	sessions, err := e.sessionStore.GetManyReadOnly(sctx, principal.OrgID, ids)
	if err != nil {
		return ErrSessionUnavailable
	}

	// Oldest activity first.
	for len(sessions) >= maxSessions {
		oldest := sessions[0]
		for _, s := range sessions[1:] {
			if s.LastActivity < oldest.LastActivity {
				oldest = s
			}
		}

		if err := e.sessionStore.Delete(sctx, principal.OrgID, oldest.SessionID); err != nil {
			return ErrSessionUnavailable
		}
		e.metricInc(MetricSessionEvicted)
		e.emitAudit(auditCtx, AuditEvent{
			EventType: eventSession,
			Severity:  SeverityLow,
			Action:    ActionSessionEvicted,
			Outcome:   OutcomeSuccess,
			UserID:    principal.ID,
			OrgID:     principal.OrgID,
			SessionID: oldest.SessionID,
		})

		kept := sessions[:0]
		for _, s := range sessions {
			if s.SessionID != oldest.SessionID {
				kept = append(kept, s)
			}
		}
		sessions = kept
	}
	return nil
}
