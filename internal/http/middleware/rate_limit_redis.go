package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisFixedWindowLimiter shares one counter per key and window across every
// instance of the service.
type RedisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) *RedisFixedWindowLimiter {
	if prefix == "" {
		prefix = "careauth:ratelimit"
	}
	return &RedisFixedWindowLimiter{client: client, prefix: prefix}
}

func (l *RedisFixedWindowLimiter) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	policy = policy.normalized()
	now := time.Now()
	window := policy.Window
	bucket := now.UnixMilli() / window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	resetAt := now.Add(ttl)
	if count > policy.Limit {
		return Decision{RetryAfter: ttl, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: policy.Limit - count, ResetAt: resetAt}, nil
}
