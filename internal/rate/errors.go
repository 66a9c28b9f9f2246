package rate

import "errors"

var (
	// ErrRateLimited is returned when a fixed-window budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrBlocked is returned while a velocity block is active for the IP.
	ErrBlocked = errors.New("ip temporarily blocked")
	// ErrUnavailable wraps transport failures against the backing store.
	ErrUnavailable = errors.New("rate limit backend unavailable")
)
