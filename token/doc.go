// Package token issues and verifies the JWT access/refresh pair. Access
// tokens are stateless and verified without a store round-trip; refresh
// tokens carry the session ID and are bound to the session record through a
// SHA-256 hash so rotation can be enforced server-side.
package token
