// Package limiters holds per-user guard counters for the MFA surface:
// failed-verification counting with a hard lockout entry whose TTL expiry
// is the unlock. Request-level limiting (per-IP windows, velocity blocks)
// lives in internal/rate.
package limiters
