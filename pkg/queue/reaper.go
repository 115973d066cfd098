package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/logger"
)

// DefaultMaxTaskRuntime is the assumed upper bound on one handler invocation,
// used to size the stale-claim grace period.
const DefaultMaxTaskRuntime = 2 * time.Minute

// Reaper returns abandoned in-flight claims to queued so a crashed worker
// never strands a task forever.
type Reaper struct {
	client         *Client
	maxTaskRuntime time.Duration
}

// NewReaper constructs a Reaper using DefaultMaxTaskRuntime.
func NewReaper(client *Client) *Reaper {
	return &Reaper{client: client, maxTaskRuntime: DefaultMaxTaskRuntime}
}

// WithMaxTaskRuntime overrides the assumed handler runtime bound.
func (r *Reaper) WithMaxTaskRuntime(d time.Duration) *Reaper {
	r.maxTaskRuntime = d
	return r
}

func (r *Reaper) gracePeriod() time.Duration {
	return 5 * r.maxTaskRuntime
}

// Run periodically sweeps stale claims until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.SweepOnce(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("stale claim sweep failed")
			} else if n > 0 {
				logger.Log.Info().Int("reaped", n).Msg("reaped stale task claims")
			}
		}
	}
}

// SweepOnce reaps claims older than the grace period and returns how many
// were reaped. The claim key holds the raw queue entry the crashed worker
// had in flight; if that entry is still sitting in the processing list it
// is moved back onto its priority queue so another worker picks it up.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.gracePeriod())
	staleIDs, err := r.client.rdb.ZRangeByScore(ctx, keys.ClaimsZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range staleIDs {
		if raw, err := r.client.rdb.Get(ctx, keys.TaskClaim(id)).Result(); err == nil && raw != "" {
			r.requeue(ctx, id, raw)
		}
		r.client.rdb.Del(ctx, keys.TaskClaim(id))
		r.client.rdb.ZRem(ctx, keys.ClaimsZSet, id)
		reaped++
	}
	return reaped, nil
}

// requeue moves one abandoned entry from the processing list back onto its
// priority queue. The LRem guard means an entry the worker actually acked
// (crash after completion, before claim release) is never duplicated.
func (r *Reaper) requeue(ctx context.Context, id, raw string) {
	removed, err := r.client.rdb.LRem(ctx, keys.ProcessingList, 1, raw).Result()
	if err != nil {
		logger.Log.Warn().Err(err).Str("task_id", id).Msg("reaper: failed to check processing list")
		return
	}
	if removed == 0 {
		return
	}
	priority := DefaultPriority
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err == nil && e.Priority != "" {
		priority = e.Priority
	}
	if err := r.client.rdb.RPush(ctx, keys.QueueList(priority), raw).Err(); err != nil {
		logger.Log.Error().Err(err).Str("task_id", id).Msg("reaper: failed to requeue abandoned entry")
	}
}
