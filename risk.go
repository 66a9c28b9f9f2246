package authgate

// Risk scoring is deterministic: identical events always produce identical
// scores, so downstream alerting can be tested and reasoned about.

func severityBase(severity Severity) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 1
	}
}

// RiskScore computes the event's risk on a 0..10 scale: the severity base,
// plus outcome weight, plus weight for specific high-signal actions, clamped
// at 10.
func RiskScore(event AuditEvent) int {
	score := severityBase(event.Severity)

	switch event.Outcome {
	case OutcomeFailure:
		score += 2
	case OutcomeSecurityEvent:
		score += 3
	}

	switch event.Action {
	case ActionLoginFailed, ActionAuthFailed:
		score += 5
	case ActionPrivilegeEscalation, ActionUnauthorizedAccess:
		score += 8
	}

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}
