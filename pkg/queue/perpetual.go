package queue

import (
	"context"
	"time"

	"github.com/redis-sre/agentcore/pkg/logger"
)

// RegisterPerpetual registers an automatic perpetual task function and
// submits the first one immediately, unless another registration already
// did so within DedupTTL (dedup key "perpetual_bootstrap_<name>"). It does
// not look at whether an instance is already scheduled. With
// concurrencyKey="sentinel_<name>" and maxConcurrent=1, no two instances
// run at once; the scheduler tick registers itself this way.
func (c *Client) RegisterPerpetual(ctx context.Context, name string, h Handler, every time.Duration, args map[string]any) error {
	c.Register(name, h)

	sentinelKey := "sentinel_" + name
	opts := SubmitOptions{
		DedupKey:       "perpetual_bootstrap_" + name,
		ConcurrencyKey: sentinelKey,
		MaxConcurrent:  1,
		Perpetual:      &Perpetual{Every: every, Automatic: true},
	}

	id, err := c.Submit(ctx, name, args, opts)
	if err != nil {
		return err
	}
	logger.Log.Info().Str("fn_name", name).Str("queue_id", id).Dur("every", every).
		Msg("registered perpetual task")
	return nil
}
