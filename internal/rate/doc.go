// Package rate implements the brute-force guard primitives: Redis
// fixed-window counters for general and auth-endpoint limits, and a Lua
// inter-arrival velocity tracker that blocks abusive IPs through TTL-based
// entries. The key expiry IS the unblock, so no timers survive a restart.
package rate
