package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/clock"
)

// The bucket lives in a Redis hash so every instance draws from the same
// allowance. Refill happens lazily on each call, using Redis server time so
// instance clock skew does not matter.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)
return allowed
`

type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
}

// NewRedisLimiter builds a cluster-wide token bucket limiter. rate is
// tokens per second, burst the bucket capacity.
func NewRedisLimiter(client *redis.Client, rate float64, burst int) Limiter {
	return &redisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   rate,
		burst:  burst,
	}
}

func (l *redisLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	ttl := bucketTTL(l.rate, l.burst)
	allowed, err := l.script.Run(
		ctx,
		l.client,
		[]string{recognizeKey(userID)},
		l.rate,
		l.burst,
		int64(ttl/time.Millisecond),
	).Int64()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

// bucketTTL keeps idle buckets around just long enough to refill fully.
func bucketTTL(rate float64, burst int) time.Duration {
	refill := time.Duration(float64(burst)/rate*1000) * time.Millisecond
	if refill < time.Minute {
		return time.Minute
	}
	return 2 * refill
}

type memoryBucket struct {
	tokens float64
	last   time.Time
}

type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[int64]*memoryBucket
	rate    float64
	burst   int
	clock   clock.Clock
}

// NewMemoryLimiter builds a per-process token bucket limiter for standalone
// mode and tests.
func NewMemoryLimiter(rate float64, burst int, clk clock.Clock) Limiter {
	return &memoryLimiter{
		buckets: make(map[int64]*memoryBucket),
		rate:    rate,
		burst:   burst,
		clock:   clk,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &memoryBucket{tokens: float64(l.burst), last: now}
		l.buckets[userID] = bucket
	} else {
		elapsed := now.Sub(bucket.last).Seconds()
		if elapsed > 0 {
			bucket.tokens += elapsed * l.rate
			if bucket.tokens > float64(l.burst) {
				bucket.tokens = float64(l.burst)
			}
		}
		bucket.last = now
	}

	if bucket.tokens < 1 {
		return false, nil
	}
	bucket.tokens--
	return true, nil
}
