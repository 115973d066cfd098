package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/ports"
)

func TestRedisPublisherPublishesToThreadChannel(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	ctx := context.Background()

	pub := NewRedisPublisher(rdb)
	sub := pub.Subscribe(ctx, "thread-1")
	defer sub.Close()

	// miniredis delivers synchronously once the subscription is registered.
	time.Sleep(10 * time.Millisecond)

	if err := pub.Publish(ctx, "thread-1", ports.StreamEvent{
		TaskID: "task-1", Type: "progress", Message: "checking memory", At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}

	var got wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal payload failed: %v", err)
	}
	if got.ThreadID != "thread-1" || got.TaskID != "task-1" || got.Type != "progress" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestFanoutSkipsNilChannels(t *testing.T) {
	f := NewFanout(nil, nil)
	if err := f.Publish(context.Background(), "thread-1", ports.StreamEvent{}); err != nil {
		t.Fatalf("Publish on empty fanout should not error: %v", err)
	}
}

type recordingChannel struct {
	events []ports.StreamEvent
}

func (r *recordingChannel) Publish(ctx context.Context, threadID string, event ports.StreamEvent) error {
	r.events = append(r.events, event)
	return nil
}

func TestFanoutPublishesToAllChannels(t *testing.T) {
	a, b := &recordingChannel{}, &recordingChannel{}
	f := NewFanout(a, nil, b)

	if err := f.Publish(context.Background(), "thread-1", ports.StreamEvent{Type: "progress"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both channels to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
}
