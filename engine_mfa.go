package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelsec/authgate/internal"
	"github.com/kestrelsec/authgate/internal/limiters"
	"github.com/kestrelsec/authgate/internal/stores"
)

// mfaGate decides whether the login must pass a second factor. Returns a
// challenge result when a factor is required, nil when the login may proceed
// (trusted device under a non-critical level).
func (e *Engine) mfaGate(ctx context.Context, principal Principal, policy RolePolicy) (*LoginResult, error) {
	// Critical-level roles never get the trusted-device shortcut.
	if e.config.MFA.TrustDeviceTTL > 0 && policy.SecurityLevel != LevelCritical {
		trusted, err := e.trusted.IsTrusted(
			ctx, principal.OrgID, principal.ID, e.deviceHash(ctx),
		)
		if err != nil {
			e.log().Warn("trusted device lookup failed", zap.Error(err))
		} else if trusted {
			return nil, nil
		}
	}

	method := MFATOTP
	var codeHash [32]byte

	rec, err := e.directory.GetTOTPSecret(ctx, principal.ID)
	totpReady := err == nil && rec != nil && rec.Enabled && rec.Verified

	if !totpReady && e.sender != nil {
		address, addrErr := e.directory.ContactAddress(ctx, principal.ID, string(MFAEmailOTP))
		if addrErr == nil && address != "" {
			code, genErr := internal.NewOTP(e.config.MFA.OTPDigits)
			if genErr != nil {
				return nil, genErr
			}
			codeHash = sha256.Sum256([]byte(code))
			method = MFAEmailOTP

			// Delivery must not block or fail the login path.
			go func(addr, otp string) {
				sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if sendErr := e.sender.Send(sendCtx, string(MFAEmailOTP), addr, otp); sendErr != nil {
					e.log().Warn("otp delivery failed", zap.Error(sendErr))
				}
			}(address, code)
		}
	}

	ttl := e.config.MFA.ChallengeTTL
	if method == MFAEmailOTP && e.config.MFA.OTPTTL > 0 {
		ttl = e.config.MFA.OTPTTL
	}

	challengeID := uuid.NewString()
	record := &stores.OTPChallenge{
		UserID:    principal.ID,
		OrgID:     principal.OrgID,
		Method:    string(method),
		CodeHash:  codeHash,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	if err := e.challenges.Save(ctx, challengeID, record, ttl); err != nil {
		return nil, ErrSessionUnavailable
	}

	return &LoginResult{
		MFARequired: true,
		MFAMethod:   method,
		ChallengeID: challengeID,
	}, nil
}

// ConfirmMFA completes a pending challenge and establishes the session. The
// code is matched against the challenge's method first; backup codes are
// accepted as a fallback for TOTP challenges. While the per-user lockout is
// active every submission fails, correct codes included.
func (e *Engine) ConfirmMFA(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if challengeID == "" || code == "" {
		return nil, ErrMFAVerificationFailed
	}

	challenge, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeBackend) {
			return nil, ErrSessionUnavailable
		}
		return nil, ErrMFAVerificationFailed
	}

	if err := e.guardAuthRequest(ctx, challenge.OrgID); err != nil {
		return nil, err
	}

	if remaining, err := e.mfaLockout.Locked(ctx, challenge.OrgID, challenge.UserID); err != nil {
		if errors.Is(err, limiters.ErrMFALockedOut) {
			e.metricInc(MetricMFAFailure)
			return nil, &MFALockoutError{Remaining: remaining}
		}
		return nil, ErrSessionUnavailable
	}

	var verifyErr error
	switch MFAMethod(challenge.Method) {
	case MFATOTP, MFABackupCode:
		verifyErr = e.verifyTOTPChallenge(ctx, challengeID, challenge, code)
	case MFAEmailOTP, MFASMSOTP:
		verifyErr = e.verifyOTPChallenge(ctx, challengeID, challenge, code)
	default:
		verifyErr = ErrMFAVerificationFailed
	}

	if verifyErr != nil {
		return nil, e.recordMFAFailure(ctx, challenge, verifyErr)
	}

	if err := e.mfaLockout.Reset(ctx, challenge.OrgID, challenge.UserID); err != nil {
		e.log().Warn("mfa lockout reset failed", zap.Error(err))
	}

	principal, err := e.directory.GetPrincipal(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}
	role, err := ParseRole(string(principal.Role))
	if err != nil {
		return nil, err
	}
	principal.Role = role

	result, err := e.issueSession(ctx, principal, e.config.policy(role), true)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityLow,
		Action:    ActionMFASuccess,
		Outcome:   OutcomeSuccess,
		UserID:    principal.ID,
		OrgID:     principal.OrgID,
		SessionID: result.SessionID,
		Metadata:  map[string]string{"method": challenge.Method},
	})
	return result, nil
}

// verifyTOTPChallenge checks an authenticator code, falling back to a
// single-use backup code. Replay inside the accept window is rejected via
// the persisted last-used counter.
func (e *Engine) verifyTOTPChallenge(
	ctx context.Context,
	challengeID string,
	challenge *stores.OTPChallenge,
	code string,
) error {
	rec, err := e.directory.GetTOTPSecret(ctx, challenge.UserID)
	if err == nil && rec != nil && rec.Enabled && rec.Verified {
		ok, counter, verifyErr := e.totp.VerifyCode(rec.Secret, code, time.Now())
		if verifyErr != nil {
			return verifyErr
		}
		if ok {
			if e.config.MFA.EnforceReplayProtection && counter <= rec.LastUsedCounter {
				return ErrMFAVerificationFailed
			}
			if err := e.directory.UpdateTOTPLastUsedCounter(ctx, challenge.UserID, counter); err != nil {
				return err
			}
			_, _ = e.challenges.Delete(ctx, challengeID)
			return nil
		}
	}

	// Backup code fallback.
	normalized := normalizeBackupCode(code)
	if normalized != "" {
		consumed, consumeErr := e.directory.ConsumeBackupCode(
			ctx, challenge.UserID, sha256.Sum256([]byte(normalized)),
		)
		if consumeErr == nil && consumed {
			_, _ = e.challenges.Delete(ctx, challengeID)
			e.metricInc(MetricBackupCodeUsed)
			e.emitAudit(ctx, AuditEvent{
				EventType: eventMFA,
				Severity:  SeverityMedium,
				Action:    ActionBackupCodeUsed,
				Outcome:   OutcomeSuccess,
				UserID:    challenge.UserID,
				OrgID:     challenge.OrgID,
			})
			return nil
		}
	}

	if exceeded, recErr := e.challenges.RecordFailure(ctx, challengeID, e.config.MFA.OTPMaxAttempts); recErr == nil && exceeded {
		return ErrMFARateLimited
	}
	return ErrMFAVerificationFailed
}

// verifyOTPChallenge consumes a delivered email/SMS code.
func (e *Engine) verifyOTPChallenge(
	ctx context.Context,
	challengeID string,
	challenge *stores.OTPChallenge,
	code string,
) error {
	_, err := e.challenges.Consume(
		ctx, challengeID, sha256.Sum256([]byte(strings.TrimSpace(code))), e.config.MFA.OTPMaxAttempts,
	)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, stores.ErrChallengeExceeded):
		return ErrMFARateLimited
	case errors.Is(err, stores.ErrChallengeBackend):
		return ErrSessionUnavailable
	default:
		return ErrMFAVerificationFailed
	}
}

// recordMFAFailure counts the failure against the per-user lockout and maps
// the outcome onto the public error taxonomy.
func (e *Engine) recordMFAFailure(ctx context.Context, challenge *stores.OTPChallenge, verifyErr error) error {
	if errors.Is(verifyErr, ErrSessionUnavailable) {
		return ErrSessionUnavailable
	}

	e.metricInc(MetricMFAFailure)

	lockoutDur, lockErr := e.mfaLockout.RecordFailure(ctx, challenge.OrgID, challenge.UserID)
	if errors.Is(lockErr, limiters.ErrMFALockedOut) {
		e.metricInc(MetricMFALockout)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventMFA,
			Severity:  SeverityHigh,
			Action:    ActionMFALockout,
			Outcome:   OutcomeSecurityEvent,
			UserID:    challenge.UserID,
			OrgID:     challenge.OrgID,
			Metadata:  map[string]string{"lockout": lockoutDur.String()},
		})
		return &MFALockoutError{Remaining: lockoutDur}
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityMedium,
		Action:    ActionMFAFailed,
		Outcome:   OutcomeFailure,
		UserID:    challenge.UserID,
		OrgID:     challenge.OrgID,
	})

	if errors.Is(verifyErr, ErrMFARateLimited) {
		return ErrMFARateLimited
	}
	return ErrMFAVerificationFailed
}

// EnrollTOTP generates a TOTP secret and fresh backup codes for the user.
// The secret stays unverified (and the login gate unchanged) until
// [Engine.ActivateTOTP] confirms the user's authenticator produces matching
// codes.
func (e *Engine) EnrollTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	principal, err := e.directory.GetPrincipal(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := e.directory.EnableTOTP(ctx, userID, secret); err != nil {
		return nil, err
	}

	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	account := principal.Username
	if account == "" {
		account = userID
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityLow,
		Action:    ActionTOTPEnrolled,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
		OrgID:     principal.OrgID,
	})

	return &TOTPSetup{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, account),
		BackupCodes:  codes,
	}, nil
}

// ActivateTOTP verifies one authenticator code against the enrolled secret
// and marks TOTP active for future logins.
func (e *Engine) ActivateTOTP(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	rec, err := e.directory.GetTOTPSecret(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Enabled {
		return ErrMFAVerificationFailed
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, code, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		return ErrMFAVerificationFailed
	}

	if err := e.directory.MarkTOTPVerified(ctx, userID); err != nil {
		return err
	}
	if err := e.directory.UpdateTOTPLastUsedCounter(ctx, userID, counter); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityLow,
		Action:    ActionTOTPActivated,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
	})
	return nil
}

// ReissueBackupCodes replaces the user's backup codes and returns the new
// plaintexts, shown exactly once.
func (e *Engine) ReissueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityMedium,
		Action:    ActionBackupCodesReissued,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
	})
	return codes, nil
}

func (e *Engine) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	if count <= 0 {
		count = 10
	}
	length := e.config.MFA.BackupCodeLength
	if length <= 0 {
		length = 8
	}

	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(length)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{Hash: sha256.Sum256([]byte(code))})
	}

	if err := e.directory.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, err
	}
	return codes, nil
}

// TrustDevice marks the requesting device (coarse fingerprint from the
// context User-Agent) as MFA-trusted for the configured TTL.
func (e *Engine) TrustDevice(ctx context.Context, orgID, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.config.MFA.TrustDeviceTTL <= 0 {
		return nil
	}

	if err := e.trusted.Trust(ctx, orgID, userID, e.deviceHash(ctx), e.config.MFA.TrustDeviceTTL); err != nil {
		return ErrSessionUnavailable
	}

	e.metricInc(MetricDeviceTrusted)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventMFA,
		Severity:  SeverityLow,
		Action:    ActionDeviceTrusted,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
		OrgID:     orgID,
	})
	return nil
}

// RevokeTrustedDevices clears every trust mark for the user.
func (e *Engine) RevokeTrustedDevices(ctx context.Context, orgID, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if _, err := e.trusted.RevokeAll(ctx, orgID, userID); err != nil {
		return ErrSessionUnavailable
	}
	return nil
}

// deviceHash is the trusted-device key component: the SHA-256 of the coarse
// fingerprint, hex encoded. Empty User-Agents still produce a stable value;
// the fingerprint collapses them to "none/none".
func (e *Engine) deviceHash(ctx context.Context) string {
	fp := internal.Fingerprint(userAgentFromContext(ctx))
	sum := internal.HashBindingValue(fp)
	return hex.EncodeToString(sum[:])
}

func normalizeBackupCode(code string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(code))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	return cleaned
}
