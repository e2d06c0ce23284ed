package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/aelexs/wacrm/internal/accounts/app"
	redisclient "github.com/aelexs/wacrm/internal/redis"
)

var _ app.CooldownLimiter = (*RedisCooldownLimiter)(nil)

// windowScript increments a counter and starts its window on the first hit.
// Conditional PEXPIRE keeps the window fixed instead of sliding on every call.
var windowScript = redisclient.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisCooldownLimiter implements the resend cooldown and lockout in Redis.
// Every method fails closed: a Redis error is returned alongside a denial.
type RedisCooldownLimiter struct {
	cmd redisclient.Cmdable
}

// NewRedisCooldownLimiter creates a RedisCooldownLimiter.
func NewRedisCooldownLimiter(cmd redisclient.Cmdable) *RedisCooldownLimiter {
	return &RedisCooldownLimiter{cmd: cmd}
}

// CheckAndIncrement counts a hit on key and reports whether the count is
// still within limit for the current window.
func (r *RedisCooldownLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.cooldown.check", "EVALSHA")
	defer span.End()

	count, err := windowScript.Run(ctx, r.cmd, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, redisFailure(span, fmt.Sprintf("cooldown check %q", key), err)
	}
	return count <= int64(limit), nil
}

// CheckLockout reports whether key is locked out. On error it reports true.
func (r *RedisCooldownLimiter) CheckLockout(ctx context.Context, key string) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.cooldown.check_lockout", "EXISTS")
	defer span.End()

	n, err := r.cmd.Exists(ctx, key).Result()
	if err != nil {
		return true, redisFailure(span, fmt.Sprintf("lockout check %q", key), err)
	}
	return n > 0, nil
}

// SetLockout locks key out for ttl.
func (r *RedisCooldownLimiter) SetLockout(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := startRedisSpan(ctx, "redis.cooldown.set_lockout", "SET")
	defer span.End()

	if err := r.cmd.Set(ctx, key, "1", ttl).Err(); err != nil {
		return redisFailure(span, fmt.Sprintf("set lockout %q", key), err)
	}
	return nil
}
