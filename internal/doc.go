// Package internal contains helper utilities that are intentionally private
// to authgate, including secure random generation and the coarse device
// fingerprint used for session binding.
//
// # Sub-packages
//
//   - rate: Redis-backed brute-force guard primitives (fixed windows,
//     inter-arrival velocity tracking, TTL-based IP blocking)
//   - limiters: MFA failure counting and lockout
//   - stores: MFA challenge and trusted-device Redis stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public authgate API.
//   - Be imported by any package outside the authgate module.
package internal
