// Package middleware adapts the engine to net/http: bearer-token
// authentication, role and MFA gates, rate limiting, panic recovery, and the
// refresh-token cookie helpers. Every rejection is written as the standard
// JSON error envelope with the engine's wire error code.
package middleware
