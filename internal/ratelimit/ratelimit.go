// Package ratelimit throttles workflow admission with a token bucket kept
// in Redis, so the limit holds across every process sharing the instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "certflow:admission:"

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is a Redis-backed token bucket. Buckets are keyed per caller so
// one noisy client cannot starve workflow creation for everyone else.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a limiter. Idle buckets expire after ttl.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl}
}

// Reserve takes one token from the caller's bucket. When the bucket is
// empty the decision carries how long until the next token accrues.
func (l *Limiter) Reserve(ctx context.Context, caller string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := admissionScript.Run(ctx, l.client, []string{keyPrefix + caller},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("admission script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("admission script: unexpected reply %v", res)
	}

	d := Decision{Allowed: toInt64(arr[0]) == 1, Remaining: toFloat(arr[1])}
	if !d.Allowed && l.refill > 0 {
		deficitMillitokens := toInt64(arr[2])
		d.RetryAfter = time.Duration(float64(deficitMillitokens)/l.refill) * time.Millisecond
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}

// The script refills lazily from the caller-supplied clock, then tries to
// take one token. Reply: {allowed, remaining, deficit in millitokens}.
var admissionScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'level', 'touched_ms')
local level = tonumber(state[1])
local touched = tonumber(state[2])
if level == nil then level = capacity end
if touched == nil then touched = now end

local elapsed = math.max(0, now - touched)
level = math.min(capacity, level + elapsed / 1000 * refill)

local allowed = 0
local deficit = 0
if level >= 1 then
  allowed = 1
  level = level - 1
else
  deficit = math.ceil((1 - level) * 1000)
end

redis.call('HMSET', key, 'level', level, 'touched_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(level), deficit}
`)
