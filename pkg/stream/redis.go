// Package stream implements ports.StreamChannel: the primary
// Redis pub/sub publisher that is always on, and a secondary gorilla/
// websocket fan-out adapter for dev-facing live clients. Both implement the
// same port; pkg/dispatcher and pkg/thread are handed whichever is wired,
// or nil, in which case streaming is silently disabled.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// pubsubClient is the slice of *redis.Client / *redis.ClusterClient this
// package actually needs: Publish lives on redis.Cmdable, but Subscribe
// does not, so a narrower interface is declared here instead of requiring
// the full concrete client type.
type pubsubClient interface {
	redis.Cmdable
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisPublisher publishes stream events onto the per-thread pub/sub
// channel. It is the always-on transport: anything subscribed to
// keys.StreamChannel(thread_id) receives events through it. The WebSocket
// Hub does not subscribe here; it only sees events handed to it directly,
// e.g. through a Fanout.
type RedisPublisher struct {
	rdb pubsubClient
}

// NewRedisPublisher constructs a RedisPublisher.
func NewRedisPublisher(rdb pubsubClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// wireEvent is the JSON shape published on the channel.
type wireEvent struct {
	ThreadID string `json:"thread_id"`
	TaskID   string `json:"task_id,omitempty"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	At       string `json:"at"`
}

// Publish implements ports.StreamChannel.
func (p *RedisPublisher) Publish(ctx context.Context, threadID string, event ports.StreamEvent) error {
	payload, err := json.Marshal(wireEvent{
		ThreadID: threadID, TaskID: event.TaskID, Type: event.Type,
		Message: event.Message, At: event.At.Format("2006-01-02T15:04:05.000000000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if err := p.rdb.Publish(ctx, keys.StreamChannel(threadID), payload).Err(); err != nil {
		return fmt.Errorf("publish stream event: %w", err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub subscription for one thread's channel. The
// returned PubSub must be closed by the caller.
func (p *RedisPublisher) Subscribe(ctx context.Context, threadID string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, keys.StreamChannel(threadID))
}
