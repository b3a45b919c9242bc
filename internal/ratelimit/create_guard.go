// Package ratelimit guards job creation against request floods from a single
// customer line, e.g. a WhatsApp bot replaying the same order.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "optiplan:create:"

// CreateGuard is a Redis-backed token bucket keyed by normalized customer
// phone. A nil guard allows everything.
type CreateGuard struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewCreateGuard constructs a guard with the provided capacity/refill.
func NewCreateGuard(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *CreateGuard {
	return &CreateGuard{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the phone if available. Returns the allowed
// flag and the remaining token count.
func (g *CreateGuard) Allow(ctx context.Context, normalizedPhone string) (bool, float64, error) {
	if g == nil {
		return true, 0, nil
	}
	reply, err := bucketScript.Run(ctx, g.client, []string{keyPrefix + normalizedPhone},
		g.capacity, g.refill, time.Now().UnixMilli(), g.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run bucket script: %w", err)
	}
	return decodeBucketReply(reply)
}

// decodeBucketReply unpacks the {granted, remaining} pair the script returns.
// The remaining count comes back as a string so fractional tokens survive the
// integer truncation Redis applies to Lua numbers.
func decodeBucketReply(reply []interface{}) (bool, float64, error) {
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("bucket script returned %d values, want 2", len(reply))
	}
	granted, ok := reply[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("bucket script granted flag is %T, want int64", reply[0])
	}
	var remaining float64
	switch v := reply[1].(type) {
	case string:
		remaining, _ = strconv.ParseFloat(v, 64)
	case int64:
		remaining = float64(v)
	default:
		return false, 0, fmt.Errorf("bucket script remaining count is %T", reply[1])
	}
	return granted == 1, remaining, nil
}

var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local stamp = tonumber(redis.call('HGET', KEYS[1], 'stamp'))
if tokens == nil then tokens = capacity end
if stamp == nil then stamp = now end

if now > stamp then
  tokens = math.min(capacity, tokens + (now - stamp) * rate / 1000)
end

local granted = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'stamp', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {granted, tostring(tokens)}
`)
