// Package ratelimit throttles uploads per owner with a Redis-backed token
// bucket shared by every API replica.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UploadLimiter hands out one token per accepted upload.
type UploadLimiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewUploadLimiter returns a limiter keyed under prefix. A bucket idles out of
// Redis after ttl without traffic.
func NewUploadLimiter(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *UploadLimiter {
	if prefix == "" {
		prefix = "ratelimit:upload:"
	}
	return &UploadLimiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes a token from the owner's bucket. It reports whether the upload
// may proceed and how many whole tokens remain.
func (l *UploadLimiter) Allow(ctx context.Context, ownerID string) (bool, int, error) {
	if l.capacity <= 0 {
		return true, 0, nil
	}
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + ownerID},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from bucket script: %T", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	return allowed == 1, int(remaining), nil
}

// Lua numbers come back truncated to integers, so the fractional balance is
// kept in the hash and only the floor is returned.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
