package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewTokenBucket builds a bucket. Keys are stored under <prefix>:rl:<subject>.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from subject's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	key := fmt.Sprintf("%s:rl:%s", b.prefix, subject)
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", subject, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", subject, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Tokens are kept fractional in the hash; the reply floors them because Lua numbers
// become Redis integers.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens), retry}
`)
