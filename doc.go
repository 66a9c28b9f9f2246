// Package authgate is the authentication and session-security core for a
// multi-tenant web application: JWT access tokens, rotating refresh tokens,
// Redis-backed session lifecycle with device/IP binding and per-role
// concurrency caps, TOTP/backup-code/OTP multi-factor challenges with
// lockout, brute-force velocity guarding, and an append-only audit log with
// deterministic risk scoring.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (Principal, AuthResult, SessionInfo, AuditEvent, etc.).
// Internal coordination (rate limiting, MFA challenge storage, device
// fingerprinting) lives under internal/ and is never exported. Business
// collaborators (user directory, OTP delivery, audit persistence) are
// injected interfaces; authgate never owns credential storage.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Block the request path on audit delivery or OTP sending.
//   - Leak signature or internal-ID detail to clients; callers map sentinel
//     errors through [Code] into the wire envelope.
//
// # Performance contract
//
// Validate is the hot path. Access-token verification is stateless; the only
// store round-trip is the bounded session touch, and it degrades per policy
// when the store is unreachable.
package authgate
