// Package stores provides Redis-backed, short-lived record stores for the
// MFA surface: pending verification challenges and trusted-device marks.
//
// # Design
//
// Each store persists a versioned, binary-encoded record in Redis with a TTL.
// Mutation operations (Consume, RecordFailure) use WATCH/MULTI optimistic
// transactions with automatic retry on contention. Challenge records are
// single-use: consumed or deleted on success, and enforce attempt limits to
// resist brute-force attacks. Secret comparisons use constant-time compare.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient MFA
// records. It does NOT generate codes, enforce lockouts, or make
// authentication decisions; those belong to the engine.
//
// # What this package must NOT do
//
//   - Import authgate or any sibling internal package.
//   - Store or expose plaintext codes (only SHA-256 digests are persisted).
//   - Use non-constant-time comparisons for secret matching.
package stores
