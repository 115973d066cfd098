package stream

import (
	"context"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// Fanout publishes to multiple ports.StreamChannel implementations, e.g.
// RedisPublisher (always-on, cross-process) plus a Hub (dev-facing,
// in-process WebSocket clients). A failure on one channel is logged and
// does not block the others.
type Fanout struct {
	channels []ports.StreamChannel
}

// NewFanout constructs a Fanout over the given channels, skipping nils so
// callers can wire an optional secondary channel unconditionally.
func NewFanout(channels ...ports.StreamChannel) *Fanout {
	f := &Fanout{}
	for _, c := range channels {
		if c != nil {
			f.channels = append(f.channels, c)
		}
	}
	return f
}

// Publish implements ports.StreamChannel.
func (f *Fanout) Publish(ctx context.Context, threadID string, event ports.StreamEvent) error {
	for _, c := range f.channels {
		if err := c.Publish(ctx, threadID, event); err != nil {
			logger.Log.Warn().Err(err).Msg("stream: fanout channel publish failed")
		}
	}
	return nil
}
