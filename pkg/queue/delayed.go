package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/logger"
)

// drainDelayedScript atomically moves every delayed entry whose score
// (execution unix-nano time) has elapsed out of the delayed ZSET, in score
// order, and returns them for the caller to RPUSH onto the right
// queue (ZSET members can't be routed to different lists from inside the
// script without knowing priority ahead of time, so the script only removes
// them; the caller does the RPUSH per entry, preserving each entry's own
// priority).
var drainDelayedScript = redis.NewScript(`
local delayed_key = KEYS[1]
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
if #due > 0 then
	redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
end
return due
`)

// DelayedDrainInterval is how often StartDelayedDrain checks for due
// entries; a future `when` is honored within one interval.
const DelayedDrainInterval = 1 * time.Second

// StartDelayedDrain runs until ctx is cancelled, periodically moving due
// delayed entries onto their priority queue so workers can pick them up.
func (c *Client) StartDelayedDrain(ctx context.Context) {
	ticker := time.NewTicker(DelayedDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.drainOnce(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("delayed queue drain failed")
			}
		}
	}
}

func (c *Client) drainOnce(ctx context.Context) error {
	now := float64(time.Now().UnixNano())
	result, err := drainDelayedScript.Run(ctx, c.rdb, []string{keys.DelayedZSet}, now).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	due, _ := result.([]interface{})
	for _, raw := range due {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var e entry
		priority := DefaultPriority
		if err := json.Unmarshal([]byte(s), &e); err == nil && e.Priority != "" {
			priority = e.Priority
		}
		if err := c.rdb.RPush(ctx, keys.QueueList(priority), s).Err(); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to requeue due delayed entry")
		}
	}
	return nil
}
