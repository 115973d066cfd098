package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/model"
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

func TestCreateRejectsInvalidInterval(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewStore(rdb, index.NewManager(rdb))
	_, err := store.Create(context.Background(), model.Schedule{IntervalType: "fortnights", IntervalValue: 1})
	if err == nil {
		t.Fatalf("expected error for invalid interval type")
	}
}

func TestCreateAndGet(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewStore(rdb, index.NewManager(rdb))
	ctx := context.Background()

	id, err := store.Create(ctx, model.Schedule{
		Name: "memory check", IntervalType: model.IntervalHours, IntervalValue: 1,
		Instructions: "check redis memory", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sc, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sc.Name != "memory check" || !sc.Enabled {
		t.Errorf("unexpected schedule: %+v", sc)
	}
	if sc.NextRunAt.Before(time.Now()) {
		t.Errorf("expected next_run_at in the future")
	}
}

func TestAdvanceAfterRunSetsBothFields(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewStore(rdb, index.NewManager(rdb))
	ctx := context.Background()

	id, err := store.Create(ctx, model.Schedule{
		Name: "s", IntervalType: model.IntervalMinutes, IntervalValue: 30, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sc, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	scheduledTime := time.Now().UTC().Truncate(time.Second)
	if err := store.AdvanceAfterRun(ctx, *sc, scheduledTime); err != nil {
		t.Fatalf("AdvanceAfterRun failed: %v", err)
	}

	updated, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if updated.LastRunAt == nil || !updated.LastRunAt.Equal(scheduledTime) {
		t.Errorf("expected last_run_at == %v, got %v", scheduledTime, updated.LastRunAt)
	}
	wantNext := scheduledTime.Add(30 * time.Minute)
	if !updated.NextRunAt.Equal(wantNext) {
		t.Errorf("expected next_run_at == %v, got %v", wantNext, updated.NextRunAt)
	}
}

func TestDueSetFallbackScan(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewStore(rdb, index.NewManager(rdb))
	ctx := context.Background()

	pastID, err := store.Create(ctx, model.Schedule{
		Name: "due", IntervalType: model.IntervalHours, IntervalValue: 1, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sc, _ := store.Get(ctx, pastID)
	sc.NextRunAt = time.Now().Add(-time.Minute)
	if err := store.Update(ctx, *sc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := store.Create(ctx, model.Schedule{
		Name: "not due", IntervalType: model.IntervalHours, IntervalValue: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create(ctx, model.Schedule{
		Name: "disabled", IntervalType: model.IntervalHours, IntervalValue: 1, Enabled: false,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	due, err := store.DueSet(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueSet failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != pastID {
		t.Fatalf("expected exactly the due schedule, got %+v", due)
	}
}

// hydrateDue is the index-path half of DueSet: candidates come back from
// FT.SEARCH as bare ids and must be re-read from the primary hash, or the
// scheduler would see blank instructions and a zero interval.
func TestHydrateDueReloadsFromPrimary(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewStore(rdb, index.NewManager(rdb))
	ctx := context.Background()

	dueID, err := store.Create(ctx, model.Schedule{
		Name: "memory check", IntervalType: model.IntervalHours, IntervalValue: 1,
		Instructions: "Check Redis memory", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sc, _ := store.Get(ctx, dueID)
	sc.NextRunAt = time.Now().Add(-30 * time.Second)
	if err := store.Update(ctx, *sc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	notDueID, err := store.Create(ctx, model.Schedule{
		Name: "later", IntervalType: model.IntervalHours, IntervalValue: 1, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	due := store.hydrateDue(ctx, []string{dueID, notDueID, "gone"}, time.Now())
	if len(due) != 1 {
		t.Fatalf("expected 1 due schedule, got %+v", due)
	}
	got := due[0]
	if got.Instructions != "Check Redis memory" || got.Name != "memory check" {
		t.Errorf("expected full primary fields, got %+v", got)
	}
	if got.IntervalType != model.IntervalHours || got.IntervalValue != 1 {
		t.Errorf("expected interval hydrated, got %s/%d", got.IntervalType, got.IntervalValue)
	}
	if next := got.NextAfter(got.NextRunAt); !next.Equal(got.NextRunAt.Add(time.Hour)) {
		t.Errorf("expected NextAfter to advance by 1h, got %v", next)
	}
}

func TestValidateCronLikeSpec(t *testing.T) {
	if err := ValidateCronLikeSpec("*/5 * * * *"); err != nil {
		t.Errorf("expected valid spec to pass, got %v", err)
	}
	if err := ValidateCronLikeSpec("not a cron spec"); err == nil {
		t.Errorf("expected invalid spec to fail")
	}
}
