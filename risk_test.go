package authgate

import "testing"

func TestRiskScoreSeverityBase(t *testing.T) {
	cases := []struct {
		severity Severity
		want     int
	}{
		{SeverityLow, 1},
		{SeverityMedium, 3},
		{SeverityHigh, 7},
		{SeverityCritical, 10},
		{Severity("bogus"), 1},
	}
	for _, c := range cases {
		got := RiskScore(AuditEvent{Severity: c.severity, Outcome: OutcomeSuccess})
		if got != c.want {
			t.Fatalf("RiskScore(%s) = %d, want %d", c.severity, got, c.want)
		}
	}
}

func TestRiskScoreOutcomeAndActionWeights(t *testing.T) {
	failedLogin := AuditEvent{
		Severity: SeverityMedium,
		Outcome:  OutcomeFailure,
		Action:   ActionLoginFailed,
	}
	if got := RiskScore(failedLogin); got != 10 {
		t.Fatalf("failed login score = %d, want 10 (3 base + 2 failure + 5 action)", got)
	}

	anomaly := AuditEvent{
		Severity: SeverityLow,
		Outcome:  OutcomeSecurityEvent,
	}
	if got := RiskScore(anomaly); got != 4 {
		t.Fatalf("security event score = %d, want 4 (1 base + 3 outcome)", got)
	}

	escalation := AuditEvent{
		Severity: SeverityLow,
		Outcome:  OutcomeFailure,
		Action:   ActionPrivilegeEscalation,
	}
	if got := RiskScore(escalation); got != 10 {
		t.Fatalf("escalation score = %d, want clamped 10", got)
	}
}

func TestRiskScoreDeterministic(t *testing.T) {
	event := AuditEvent{
		Severity: SeverityHigh,
		Outcome:  OutcomeSecurityEvent,
		Action:   ActionRefreshReuse,
	}
	first := RiskScore(event)
	for i := 0; i < 100; i++ {
		if got := RiskScore(event); got != first {
			t.Fatalf("score changed across calls: %d then %d", first, got)
		}
	}
	if first != 10 {
		t.Fatalf("refresh reuse score = %d, want 10", first)
	}
}
