package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return s, redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestSubmitAndDequeue(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)

	var got map[string]any
	c.Register("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		got = args
		return args, nil
	})

	id, err := c.Submit(ctx, "echo", map[string]any{"x": "y"}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}

	w := NewWorker(c, rdb)
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got == nil || got["x"] != "y" {
		t.Errorf("handler did not observe args, got %+v", got)
	}
}

func TestSubmitUnknownFunction(t *testing.T) {
	_, rdb := setupTestRedis(t)
	c := NewClient(rdb)
	if _, err := c.Submit(context.Background(), "nope", nil, SubmitOptions{}); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestSubmitDedupCollisionReturnsAlreadyRunning(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	c.Register("noop", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })

	id1, err := c.Submit(ctx, "noop", nil, SubmitOptions{DedupKey: "slot-1"})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if id1 == AlreadyRunningID {
		t.Fatalf("first submit should win the dedup race")
	}

	id2, err := c.Submit(ctx, "noop", nil, SubmitOptions{DedupKey: "slot-1"})
	if err != nil {
		t.Fatalf("second submit returned error instead of already_running: %v", err)
	}
	if id2 != AlreadyRunningID {
		t.Fatalf("expected AlreadyRunningID, got %q", id2)
	}
}

func TestDelayedSubmissionNotImmediatelyVisible(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	c.Register("noop", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })

	when := time.Now().Add(time.Hour)
	if _, err := c.Submit(ctx, "noop", nil, SubmitOptions{When: &when}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	n, err := rdb.LLen(ctx, "sre:queue:default").Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 entries in main queue before due time, got %d", n)
	}
	zn, err := rdb.ZCard(ctx, "sre:queue:delayed").Result()
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if zn != 1 {
		t.Fatalf("expected 1 delayed entry, got %d", zn)
	}
}

func TestDrainMovesDueDelayedEntries(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	c.Register("noop", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })

	when := time.Now().Add(-time.Second)
	if _, err := c.Submit(ctx, "noop", nil, SubmitOptions{When: &when}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := c.drainOnce(ctx); err != nil {
		t.Fatalf("drainOnce failed: %v", err)
	}

	n, err := rdb.LLen(ctx, "sre:queue:default").Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected due entry moved to main queue, got %d", n)
	}
}

func TestConcurrencySlotReleasedAfterHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)

	var calls int32
	c.Register("slow", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	if _, err := c.Submit(ctx, "slow", nil, SubmitOptions{ConcurrencyKey: "thread-1", MaxConcurrent: 1}); err != nil {
		t.Fatalf("submit 1 failed: %v", err)
	}
	if _, err := c.Submit(ctx, "slow", nil, SubmitOptions{ConcurrencyKey: "thread-1", MaxConcurrent: 1}); err != nil {
		t.Fatalf("submit 2 failed: %v", err)
	}

	w := NewWorker(c, rdb)
	w.requeueDelay = 0
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick 1 failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected handler called once after first tick, got %d", calls)
	}

	// The first entry's slot was released when its handler returned, so the
	// second entry, still waiting on the main queue, gets the slot on the
	// next tick.
	if err := c.drainOnce(ctx); err != nil {
		t.Fatalf("drainOnce failed: %v", err)
	}
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick 2 failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected handler called twice total, got %d", calls)
	}
}

func TestHandlerFailureRetriesThenDeadLetters(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)

	var calls int32
	c.Register("flaky", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	})

	if _, err := c.Submit(ctx, "flaky", nil, SubmitOptions{RetryPolicy: RetryPolicy{Attempts: 2, InitialDelay: time.Millisecond}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	w := NewWorker(c, rdb)
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick 1 failed: %v", err)
	}
	// First failure should be scheduled as a delayed retry, not dead-lettered.
	dlqLen, err := rdb.LLen(ctx, "sre:queue:dead_letter").Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if dlqLen != 0 {
		t.Fatalf("expected no dead-letter entry after first failure, got %d", dlqLen)
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.drainOnce(ctx); err != nil {
		t.Fatalf("drainOnce failed: %v", err)
	}
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick 2 failed: %v", err)
	}

	dlqLen, err = rdb.LLen(ctx, "sre:queue:dead_letter").Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if dlqLen != 1 {
		t.Fatalf("expected dead-letter entry after exhausting retries, got %d", dlqLen)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected handler invoked twice, got %d", calls)
	}
}

func TestRegisterPerpetualBootstrapsOnce(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	c.Register("tick", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })

	if err := c.RegisterPerpetual(ctx, "tick", c.registry["tick"], 30*time.Second, nil); err != nil {
		t.Fatalf("RegisterPerpetual failed: %v", err)
	}
	if err := c.RegisterPerpetual(ctx, "tick", c.registry["tick"], 30*time.Second, nil); err != nil {
		t.Fatalf("second RegisterPerpetual failed: %v", err)
	}

	n, err := rdb.LLen(ctx, "sre:queue:default").Result()
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one bootstrapped perpetual entry, got %d", n)
	}
}

func TestReaperRequeuesAbandonedEntry(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	r := NewReaper(c).WithMaxTaskRuntime(time.Millisecond)

	// Seed the state a crashed worker leaves behind: the entry stranded in
	// the processing list plus a claim (holding the raw entry) from long ago.
	raw, err := json.Marshal(entry{ID: "task-1", FnName: "noop", Priority: "high"})
	if err != nil {
		t.Fatalf("marshal entry failed: %v", err)
	}
	if err := rdb.RPush(ctx, "sre:queue:processing", raw).Err(); err != nil {
		t.Fatalf("seed processing list failed: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := rdb.Set(ctx, "sre:queue:claim:task-1", raw, 0).Err(); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	if err := rdb.ZAdd(ctx, "sre:queue:claims", redis.Z{Score: float64(old.Unix()), Member: "task-1"}).Err(); err != nil {
		t.Fatalf("seed claims zset failed: %v", err)
	}

	n, err := r.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped claim, got %d", n)
	}

	// The abandoned entry must be back on its own priority queue and gone
	// from the processing list.
	requeued, err := rdb.LRange(ctx, "sre:queue:high", 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != string(raw) {
		t.Fatalf("expected entry requeued on high queue, got %+v", requeued)
	}
	if n, _ := rdb.LLen(ctx, "sre:queue:processing").Result(); n != 0 {
		t.Errorf("expected processing list drained, got %d", n)
	}

	exists, err := rdb.Exists(ctx, "sre:queue:claim:task-1").Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists != 0 {
		t.Errorf("expected claim key removed")
	}
}

func TestReaperSkipsAckedEntry(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)
	r := NewReaper(c).WithMaxTaskRuntime(time.Millisecond)

	// The worker acked (entry already removed from processing) but crashed
	// before releasing its claim: the reaper must not resurrect the entry.
	raw, err := json.Marshal(entry{ID: "task-2", FnName: "noop", Priority: "default"})
	if err != nil {
		t.Fatalf("marshal entry failed: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := rdb.Set(ctx, "sre:queue:claim:task-2", raw, 0).Err(); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	if err := rdb.ZAdd(ctx, "sre:queue:claims", redis.Z{Score: float64(old.Unix()), Member: "task-2"}).Err(); err != nil {
		t.Fatalf("seed claims zset failed: %v", err)
	}

	if _, err := r.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	if n, _ := rdb.LLen(ctx, "sre:queue:default").Result(); n != 0 {
		t.Errorf("acked entry must not be requeued, found %d entries", n)
	}
}

func TestAllowTokenBucket(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	c := NewClient(rdb)

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, "ratelimit:test", 1, 3)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected call %d to be allowed within burst", i)
		}
	}
	ok, err := c.Allow(ctx, "ratelimit:test", 1, 3)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Errorf("expected burst to be exhausted")
	}
}

func TestToolLimiterInProcess(t *testing.T) {
	l := NewToolLimiter(1000, 1)
	if !l.Allow("redis.info") {
		t.Fatalf("expected first call allowed")
	}
}
