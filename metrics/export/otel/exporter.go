package otel

import (
	"context"
	"errors"
	"fmt"

	authgate "github.com/kestrelsec/authgate"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type counterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

var counterDefs = []counterDef{
	{authgate.MetricLoginSuccess, "authgate_login_success_total", "Successful logins."},
	{authgate.MetricLoginFailure, "authgate_login_failure_total", "Failed logins."},
	{authgate.MetricLoginRateLimited, "authgate_login_rate_limited_total", "Logins rejected by the auth rate limiter."},
	{authgate.MetricMFARequired, "authgate_mfa_required_total", "Logins gated behind an MFA challenge."},
	{authgate.MetricMFASuccess, "authgate_mfa_success_total", "Successful MFA verifications."},
	{authgate.MetricMFAFailure, "authgate_mfa_failure_total", "Failed MFA verifications."},
	{authgate.MetricMFALockout, "authgate_mfa_lockout_total", "MFA lockouts triggered."},
	{authgate.MetricBackupCodeUsed, "authgate_backup_code_used_total", "Backup codes consumed."},
	{authgate.MetricValidateSuccess, "authgate_validate_success_total", "Successful request validations."},
	{authgate.MetricValidateFailure, "authgate_validate_failure_total", "Failed request validations."},
	{authgate.MetricValidateDegraded, "authgate_validate_degraded_total", "Validations served via stateless fallback."},
	{authgate.MetricRefreshSuccess, "authgate_refresh_success_total", "Successful token refreshes."},
	{authgate.MetricRefreshFailure, "authgate_refresh_failure_total", "Failed token refreshes."},
	{authgate.MetricRefreshReuseDetected, "authgate_refresh_reuse_detected_total", "Refresh token reuse detections."},
	{authgate.MetricSessionCreated, "authgate_session_created_total", "Sessions created."},
	{authgate.MetricSessionInvalidated, "authgate_session_invalidated_total", "Sessions invalidated."},
	{authgate.MetricSessionEvicted, "authgate_session_evicted_total", "Sessions evicted by the concurrency limit."},
	{authgate.MetricLogout, "authgate_logout_total", "Single-session logouts."},
	{authgate.MetricLogoutAll, "authgate_logout_all_total", "All-session logouts."},
	{authgate.MetricRateLimitHit, "authgate_rate_limit_hit_total", "Requests rejected by any rate limiter."},
	{authgate.MetricIPBlocked, "authgate_ip_blocked_total", "Requests rejected by an active velocity block."},
	{authgate.MetricIPMismatch, "authgate_ip_mismatch_total", "Session IP binding mismatches."},
	{authgate.MetricUAMismatch, "authgate_ua_mismatch_total", "Session fingerprint binding mismatches."},
	{authgate.MetricDeviceTrusted, "authgate_device_trusted_total", "Devices marked trusted after MFA."},
}

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         authgate.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter publishes engine counters as otel observable counters.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// NewExporter registers observable counters for the engine on the meter.
func NewExporter(meter metric.Meter, engine *authgate.Engine) (*Exporter, error) {
	return NewExporterFromSource(meter, engine)
}

// NewExporterFromSource is the testable variant taking any snapshot source.
func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+1)
	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authgate_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration

	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
