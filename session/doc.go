// Package session implements the Redis-backed session store: versioned
// binary session blobs with TTL, a per-user session index, atomic
// activity-touch and refresh-hash rotation via WATCH compare-and-swap, and
// idempotent Lua-scripted deletion.
package session
