package authgate

import (
	"context"
	"time"
)

// Event type groups the audit trail can be filtered on.
const (
	eventAuthentication = "authentication"
	eventSession        = "session_lifecycle"
	eventMFA            = "mfa"
	eventRateLimit      = "brute_force_guard"
	eventAccess         = "access_control"
)

// Actions carried on audit events. The risk scorer weighs some of these
// explicitly, so renaming one changes alerting behavior.
const (
	ActionLoginSuccess        = "LOGIN_SUCCESS"
	ActionLoginFailed         = "LOGIN_FAILED"
	ActionAuthFailed          = "AUTH_FAILED"
	ActionLogout              = "LOGOUT"
	ActionLogoutAll           = "LOGOUT_ALL"
	ActionTokenRefresh        = "TOKEN_REFRESH"
	ActionRefreshReuse        = "REFRESH_REUSE_DETECTED"
	ActionSessionExpired      = "SESSION_EXPIRED"
	ActionSessionEvicted      = "SESSION_EVICTED"
	ActionIPMismatch          = "IP_MISMATCH"
	ActionFingerprintMismatch = "FINGERPRINT_MISMATCH"
	ActionPrivilegeEscalation = "PRIVILEGE_ESCALATION"
	ActionUnauthorizedAccess  = "UNAUTHORIZED_ACCESS"
	ActionRateLimitTriggered  = "RATE_LIMIT_TRIGGERED"
	ActionIPBlocked           = "IP_BLOCKED"
	ActionDegradedValidation  = "DEGRADED_VALIDATION"
	ActionMFAChallengeIssued  = "MFA_CHALLENGE_ISSUED"
	ActionMFASuccess          = "MFA_SUCCESS"
	ActionMFAFailed           = "MFA_FAILED"
	ActionMFALockout          = "MFA_LOCKOUT"
	ActionTOTPEnrolled        = "TOTP_ENROLLED"
	ActionTOTPActivated       = "TOTP_ACTIVATED"
	ActionBackupCodeUsed      = "BACKUP_CODE_USED"
	ActionBackupCodesReissued = "BACKUP_CODES_REISSUED"
	ActionDeviceTrusted       = "DEVICE_TRUSTED"
)

// emitAudit stamps the common fields (timestamp, request IP/UA, org from
// context) and hands the event to the async dispatcher. No-op when audit is
// disabled.
func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = userAgentFromContext(ctx)
	}
	if event.OrgID == "" {
		event.OrgID = orgIDFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, orgID string, err error) {
	e.metricInc(MetricRateLimitHit)

	event := AuditEvent{
		EventType: eventRateLimit,
		Severity:  SeverityMedium,
		Action:    ActionRateLimitTriggered,
		Outcome:   OutcomeSecurityEvent,
		OrgID:     orgID,
		Metadata:  map[string]string{"scope": scope},
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.emitAudit(ctx, event)
}
