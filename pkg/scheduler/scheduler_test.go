package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/schedule"
	"github.com/redis-sre/agentcore/pkg/taskfn"
	"github.com/redis-sre/agentcore/pkg/thread"
)

func setup(t *testing.T) (*redis.Client, *Scheduler) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})

	idx := index.NewManager(rdb)
	schedules := schedule.NewStore(rdb, idx)
	threads := thread.NewStore(rdb, idx)
	q := queue.NewClient(rdb)
	q.Register(taskfn.ProcessAgentTurn, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})
	return rdb, New(schedules, threads, q)
}

// S1 — Manual scheduler run with no due schedules.
func TestTickNoDueSchedules(t *testing.T) {
	rdb, sched := setup(t)
	ctx := context.Background()
	idx := index.NewManager(rdb)
	schedules := schedule.NewStore(rdb, idx)

	id, err := schedules.Create(ctx, model.Schedule{
		Name: "disabled check", IntervalType: model.IntervalHours, IntervalValue: 1, Enabled: false,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sc, _ := schedules.Get(ctx, id)
	sc.NextRunAt = time.Now().Add(-5 * time.Minute)
	if err := schedules.Update(ctx, *sc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	result, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Processed != 0 || result.Submitted != 0 {
		t.Fatalf("expected no due schedules, got %+v", result)
	}
}

// S2 — Single due schedule materializes exactly one task and advances
// next_run_at by one interval; a second tick finds nothing due.
func TestTickSubmitsOnceAndAdvancesTimer(t *testing.T) {
	rdb, sched := setup(t)
	ctx := context.Background()
	idx := index.NewManager(rdb)
	schedules := schedule.NewStore(rdb, idx)

	id, err := schedules.Create(ctx, model.Schedule{
		Name: "memory check", IntervalType: model.IntervalHours, IntervalValue: 1,
		Instructions: "Check Redis memory", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, _ := schedules.Get(ctx, id)
	before.NextRunAt = time.Now().Add(-30 * time.Second)
	if err := schedules.Update(ctx, *before); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	beforeNext := before.NextRunAt

	result1, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("first Tick failed: %v", err)
	}
	if result1.Submitted != 1 {
		t.Fatalf("expected 1 submitted on first tick, got %d", result1.Submitted)
	}

	after, err := schedules.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	wantNext := beforeNext.Add(time.Hour)
	if !after.NextRunAt.Equal(wantNext) {
		t.Errorf("expected next_run_at advanced by exactly 1h to %v, got %v", wantNext, after.NextRunAt)
	}

	// Second tick: next_run_at has already advanced past now, so the
	// schedule should no longer be due at all.
	result2, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick failed: %v", err)
	}
	if result2.Processed != 0 {
		t.Fatalf("expected schedule no longer due on second tick, got %+v", result2)
	}
}

func TestTriggerScheduleDoesNotAdvanceTimer(t *testing.T) {
	rdb, sched := setup(t)
	ctx := context.Background()
	idx := index.NewManager(rdb)
	schedules := schedule.NewStore(rdb, idx)

	id, err := schedules.Create(ctx, model.Schedule{
		Name: "adhoc", IntervalType: model.IntervalDays, IntervalValue: 1, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, err := schedules.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	threadID, err := sched.TriggerSchedule(ctx, id)
	if err != nil {
		t.Fatalf("TriggerSchedule failed: %v", err)
	}
	if threadID == "" {
		t.Fatalf("expected a thread id")
	}

	after, err := schedules.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !after.NextRunAt.Equal(before.NextRunAt) {
		t.Errorf("expected next_run_at unchanged by manual trigger, before=%v after=%v", before.NextRunAt, after.NextRunAt)
	}
	if after.LastRunAt != nil {
		t.Errorf("expected last_run_at unchanged by manual trigger, got %v", after.LastRunAt)
	}
}
