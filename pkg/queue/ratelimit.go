package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// tokenBucketScript is a distributed token bucket for producer-side
// submission throttling, where a process-local limiter would be the wrong
// scope.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if not tokens then
	tokens = burst
	last_refill = now
end

local delta = math.max(0, now - last_refill)
local new_tokens = math.min(burst, tokens + (delta * rate))

if new_tokens >= requested then
	new_tokens = new_tokens - requested
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 1
else
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 0
end
`)

// Allow checks a distributed token bucket keyed by key, refilling at limit
// tokens/second up to burst capacity. Used for producer-side submission
// throttling, shared across every process
// submitting under the same key.
func (c *Client) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, c.rdb, []string{key}, limit, burst, time.Now().Unix(), 1).Result()
	if err != nil {
		return false, err
	}
	n, _ := result.(int64)
	return n == 1, nil
}

// ToolLimiter is an in-process rate limiter per tool name, consumed by
// pkg/dispatcher to bound the rate of tool-provider calls within a single
// worker process. Unlike Allow, this
// never touches Redis — it only needs to be accurate within one process,
// so golang.org/x/time/rate is the right scope instead of a distributed
// script round-trip per tool call.
type ToolLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewToolLimiter constructs a ToolLimiter allowing rps calls/sec per tool
// name, with burst capacity.
func NewToolLimiter(rps float64, burst int) *ToolLimiter {
	return &ToolLimiter{limiters: map[string]*rate.Limiter{}, rps: rps, burst: burst}
}

// Allow reports whether a call to toolName may proceed right now, consuming
// a token if so.
func (t *ToolLimiter) Allow(toolName string) bool {
	t.mu.Lock()
	l, ok := t.limiters[toolName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.rps), t.burst)
		t.limiters[toolName] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

// Wait blocks until a token for toolName is available or ctx is cancelled.
func (t *ToolLimiter) Wait(ctx context.Context, toolName string) error {
	t.mu.Lock()
	l, ok := t.limiters[toolName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.rps), t.burst)
		t.limiters[toolName] = l
	}
	t.mu.Unlock()
	return l.Wait(ctx)
}
