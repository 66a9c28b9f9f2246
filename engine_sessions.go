package authgate

import (
	"context"
	"time"
)

// ActiveSessions lists the user's live sessions for introspection UIs
// ("manage devices"). Read-only; activity timestamps are not advanced.
func (e *Engine) ActiveSessions(ctx context.Context, orgID, userID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	ids, err := e.sessionStore.ActiveSessionIDs(sctx, orgID, userID)
	if err != nil {
		return nil, ErrSessionUnavailable
	}

	sessions, err := e.sessionStore.GetManyReadOnly(sctx, orgID, ids)
	if err != nil {
		return nil, ErrSessionUnavailable
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		role, roleErr := ParseRole(s.Role)
		if roleErr != nil {
			role = RoleStudent
		}
		infos = append(infos, SessionInfo{
			SessionID:     s.SessionID,
			UserID:        s.UserID,
			OrgID:         s.OrgID,
			Role:          role,
			IPAddress:     s.IPAddress,
			Device:        s.Fingerprint,
			SecurityLevel: SecurityLevel(s.SecurityLevel),
			MFAVerified:   s.MFAVerified,
			CreatedAt:     time.Unix(s.CreatedAt, 0),
			LastActivity:  time.Unix(s.LastActivity, 0),
			ExpiresAt:     time.Unix(s.ExpiresAt, 0),
		})
	}
	return infos, nil
}

// ActiveSessionCount returns the number of tracked sessions for a user.
func (e *Engine) ActiveSessionCount(ctx context.Context, orgID, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	count, err := e.sessionStore.ActiveSessionCount(sctx, orgID, userID)
	if err != nil {
		return 0, ErrSessionUnavailable
	}
	return count, nil
}
