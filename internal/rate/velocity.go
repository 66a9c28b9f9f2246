package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// VelocityConfig tunes the inter-arrival tracker. Thresholds are policy, not
// contract: fast legitimate clients (polling dashboards) can trip them, so
// validate against real traffic before tightening.
type VelocityConfig struct {
	Enabled bool

	// MinInterval marks an arrival as suspicious when the gap to the
	// previous request from the same IP is below it.
	MinInterval time.Duration

	// SuspicionThreshold is the count of suspicious arrivals inside
	// SuspicionWindow that triggers a block.
	SuspicionThreshold int
	SuspicionWindow    time.Duration

	// BlockDuration is the TTL of the block entry; its expiry is the
	// unblock.
	BlockDuration time.Duration
}

// observeScript runs the whole check-then-set atomically: an already-blocked
// IP short-circuits; otherwise the last-arrival timestamp is swapped, the
// suspicion counter advanced on a fast arrival, and the block entry written
// when the threshold is crossed.
const observeScript = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  return {1, ttl}
end

local last = redis.call("GET", KEYS[2])
redis.call("SET", KEYS[2], ARGV[1], "PX", tonumber(ARGV[4]))

if last then
  local gap = tonumber(ARGV[1]) - tonumber(last)
  if gap >= 0 and gap < tonumber(ARGV[2]) then
    local count = redis.call("INCR", KEYS[3])
    if count == 1 then
      redis.call("PEXPIRE", KEYS[3], tonumber(ARGV[4]))
    end
    if count > tonumber(ARGV[3]) then
      redis.call("SET", KEYS[1], "1", "PX", tonumber(ARGV[5]))
      redis.call("DEL", KEYS[3])
      redis.call("DEL", KEYS[2])
      return {1, tonumber(ARGV[5])}
    end
  end
end

return {0, 0}
`

var observeLua = redis.NewScript(observeScript)

// Velocity tracks per-IP request inter-arrival gaps and blocks IPs whose
// burst behavior crosses the suspicion threshold.
type Velocity struct {
	redis  redis.UniversalClient
	config VelocityConfig
}

// NewVelocity creates a [Velocity] tracker on the given Redis client.
func NewVelocity(client redis.UniversalClient, cfg VelocityConfig) *Velocity {
	return &Velocity{redis: client, config: cfg}
}

func blockKey(ip string) string {
	return "abf:b:" + ip
}

func lastSeenKey(ip string) string {
	return "abf:v:" + ip
}

func suspectKey(ip string) string {
	return "abf:s:" + ip
}

// Observe records one arrival for the IP. Returns ErrBlocked with the
// remaining block duration when the IP is (or just became) blocked.
func (v *Velocity) Observe(ctx context.Context, ip string) (time.Duration, error) {
	if !v.config.Enabled || ip == "" {
		return 0, nil
	}

	result, err := observeLua.Run(
		ctx,
		v.redis,
		[]string{blockKey(ip), lastSeenKey(ip), suspectKey(ip)},
		time.Now().UnixMilli(),
		v.config.MinInterval.Milliseconds(),
		v.config.SuspicionThreshold,
		v.config.SuspicionWindow.Milliseconds(),
		v.config.BlockDuration.Milliseconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid velocity script response", ErrUnavailable)
	}
	blocked, _ := parts[0].(int64)
	if blocked != 1 {
		return 0, nil
	}
	retryMs, _ := parts[1].(int64)
	return time.Duration(retryMs) * time.Millisecond, ErrBlocked
}

// Blocked reports whether the IP currently carries a block entry, and the
// remaining block duration.
func (v *Velocity) Blocked(ctx context.Context, ip string) (time.Duration, error) {
	if !v.config.Enabled || ip == "" {
		return 0, nil
	}

	ttl, err := v.redis.PTTL(ctx, blockKey(ip)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// Unblock removes a block entry ahead of its TTL (operator override).
func (v *Velocity) Unblock(ctx context.Context, ip string) error {
	if err := v.redis.Del(ctx, blockKey(ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Sweep reconciles tracker state: any last-seen or suspicion key that lost
// its TTL (interrupted script, manual intervention) is deleted so records
// cannot accumulate. Returns the number of keys removed.
func (v *Velocity) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, pattern := range []string{"abf:v:*", "abf:s:*"} {
		var cursor uint64
		for {
			keys, next, err := v.redis.Scan(ctx, cursor, pattern, 256).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			for _, key := range keys {
				ttl, err := v.redis.TTL(ctx, key).Result()
				if err != nil {
					return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
				// TTL == -1: key exists without expiry and would leak.
				if ttl == -1 {
					if err := v.redis.Del(ctx, key).Err(); err != nil {
						return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
					}
					removed++
				}
			}

			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}
