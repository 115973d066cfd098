package integration_tests

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/queue"
)

// setupIntegrationRedis connects to the local Redis instance; the test is
// skipped when none is reachable.
func setupIntegrationRedis(t *testing.T) (*redis.Client, *queue.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}

	rdb.Del(context.Background(),
		"sre:queue:high", "sre:queue:default", "sre:queue:low",
		"sre:queue:processing", "sre:queue:delayed", "sre:queue:dead_letter")

	return rdb, queue.NewClient(rdb)
}

func TestIntegrationSubmitAndProcess(t *testing.T) {
	rdb, client := setupIntegrationRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int64
	client.Register("integration_noop", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		processed.Add(1)
		return map[string]any{"ok": true}, nil
	})

	if _, err := client.Submit(ctx, "integration_noop", map[string]any{"msg": "hello"}, queue.SubmitOptions{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	go queue.NewWorker(client, rdb).Run(ctx)

	deadline := time.After(10 * time.Second)
	for processed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("entry was not processed within 10s")
		case <-time.After(100 * time.Millisecond):
		}
	}

	// The worker needs a moment to ack after the handler returns.
	time.Sleep(500 * time.Millisecond)
	depths := client.QueueDepths(ctx)
	if depths["queue:default"] != 0 {
		t.Errorf("expected default queue empty, got %d", depths["queue:default"])
	}
	if depths["processing"] != 0 {
		t.Errorf("expected processing list empty, got %d", depths["processing"])
	}
}

func TestIntegrationDedup(t *testing.T) {
	_, client := setupIntegrationRedis(t)
	ctx := context.Background()

	client.Register("integration_dedup", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})

	opts := queue.SubmitOptions{DedupKey: "integration_dedup_slot"}
	first, err := client.Submit(ctx, "integration_dedup", nil, opts)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if first == queue.AlreadyRunningID {
		t.Fatalf("first submission should win the dedup slot")
	}

	second, err := client.Submit(ctx, "integration_dedup", nil, opts)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if second != queue.AlreadyRunningID {
		t.Errorf("expected dedup collision sentinel, got %q", second)
	}
}
