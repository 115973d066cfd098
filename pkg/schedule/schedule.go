// Package schedule persists Schedule entities and exposes the due-set query
// the scheduler (pkg/scheduler) consumes.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/redis-sre/agentcore/pkg/ids"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/model"
)

// ErrNotFound is returned by reads for a schedule id that doesn't exist.
var ErrNotFound = errors.New("schedule: not found")

// ErrInvalidInterval is returned for an unrecognized interval_type.
var ErrInvalidInterval = errors.New("schedule: invalid interval type")

// SearchDocTTL is the TTL on the Schedules FT hash document.
const SearchDocTTL = 24 * 60 * 60

var validIntervals = map[model.IntervalType]bool{
	model.IntervalMinutes: true, model.IntervalHours: true,
	model.IntervalDays: true, model.IntervalWeeks: true,
}

// Store is the Schedule Store.
type Store struct {
	rdb redis.Cmdable
	idx *index.Manager
}

// NewStore constructs a Schedule Store.
func NewStore(rdb redis.Cmdable, idx *index.Manager) *Store {
	return &Store{rdb: rdb, idx: idx}
}

// Create validates and persists a new Schedule, computing its initial
// next_run_at as now + interval.
func (s *Store) Create(ctx context.Context, sc model.Schedule) (string, error) {
	if !validIntervals[sc.IntervalType] {
		return "", fmt.Errorf("%w: %s", ErrInvalidInterval, sc.IntervalType)
	}
	if sc.IntervalValue < 1 {
		return "", fmt.Errorf("%w: interval_value must be >= 1", ErrInvalidInterval)
	}

	sc.ID = ids.NewULID()
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = sc.NextAfter(now)
	}

	if err := s.save(ctx, sc); err != nil {
		return "", err
	}
	return sc.ID, nil
}

func (s *Store) save(ctx context.Context, sc model.Schedule) error {
	fields := map[string]interface{}{
		"id":                 sc.ID,
		"name":               sc.Name,
		"description":        sc.Description,
		"interval_type":      string(sc.IntervalType),
		"interval_value":     sc.IntervalValue,
		"instructions":       sc.Instructions,
		"target_instance_id": sc.TargetInstance,
		"enabled":            strconv.FormatBool(sc.Enabled),
		"created_at":         sc.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         sc.UpdatedAt.Format(time.RFC3339Nano),
		"next_run_at":        sc.NextRunAt.Format(time.RFC3339Nano),
	}
	if sc.LastRunAt != nil {
		fields["last_run_at"] = sc.LastRunAt.Format(time.RFC3339Nano)
	}
	if err := s.rdb.HSet(ctx, keys.Schedule(sc.ID), fields).Err(); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.upsertDoc(ctx, sc)
	return nil
}

// Get reads a Schedule by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*model.Schedule, error) {
	raw, err := s.rdb.HGetAll(ctx, keys.Schedule(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	sc := fromFields(raw)
	return &sc, nil
}

// Update persists every field of sc, rejecting an invalid interval.
func (s *Store) Update(ctx context.Context, sc model.Schedule) error {
	if !validIntervals[sc.IntervalType] {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, sc.IntervalType)
	}
	if sc.IntervalValue < 1 {
		return fmt.Errorf("%w: interval_value must be >= 1", ErrInvalidInterval)
	}
	sc.UpdatedAt = time.Now().UTC()
	return s.save(ctx, sc)
}

// SetEnabled flips a schedule's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.rdb.HSet(ctx, keys.Schedule(id), "enabled", strconv.FormatBool(enabled),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	sc, err := s.Get(ctx, id)
	if err == nil {
		s.upsertDoc(ctx, *sc)
	}
	return nil
}

// AdvanceAfterRun sets last_run_at=scheduledTime and next_run_at=scheduledTime+interval
// in one write. This is the only place next_run_at/last_run_at ever move
// together.
func (s *Store) AdvanceAfterRun(ctx context.Context, sc model.Schedule, scheduledTime time.Time) error {
	sc.LastRunAt = &scheduledTime
	sc.NextRunAt = sc.NextAfter(scheduledTime)
	sc.UpdatedAt = time.Now().UTC()
	return s.save(ctx, sc)
}

// Delete removes the Schedule only; threads and tasks it produced are
// untouched.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys.Schedule(id))
	pipe.Del(ctx, keys.ScheduleDoc(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// DueSet returns every enabled schedule whose next_run_at <= now,
// index-first with a full-scan fallback. The index only narrows the
// candidate set: its documents carry just the filter fields, so each hit is
// re-read from the primary hash, which also re-checks enabled/next_run_at
// against current state in case the index lags.
func (s *Store) DueSet(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	query := fmt.Sprintf("@enabled:{true} @next_run_at:[-inf %d]", now.Unix())
	docs, _, err := s.idx.Search(ctx, keys.SchedulesIndex, index.SearchOptions{Query: query, Limit: 1000})
	if err == nil {
		ids := make([]string, 0, len(docs))
		for _, d := range docs {
			id := d.Fields["id"]
			if id == "" {
				id = strings.TrimPrefix(d.Key, keys.SchedulesIndex+":")
			}
			ids = append(ids, id)
		}
		return s.hydrateDue(ctx, ids, now), nil
	}

	return s.scanDueFallback(ctx, now)
}

// hydrateDue loads each candidate schedule from its primary hash, keeping
// only the ones that are still enabled and due. A candidate whose primary
// hash is gone (stale index doc) is skipped.
func (s *Store) hydrateDue(ctx context.Context, ids []string, now time.Time) []model.Schedule {
	due := make([]model.Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if sc.Enabled && !sc.NextRunAt.After(now) {
			due = append(due, *sc)
		}
	}
	return due
}

func (s *Store) scanDueFallback(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	var due []model.Schedule
	var cursor uint64
	for {
		keysBatch, next, err := s.rdb.Scan(ctx, cursor, "sre:schedules:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan schedules fallback: %w", err)
		}
		for _, k := range keysBatch {
			raw, err := s.rdb.HGetAll(ctx, k).Result()
			if err != nil || len(raw) == 0 {
				continue
			}
			sc := fromFields(raw)
			if sc.Enabled && !sc.NextRunAt.After(now) {
				due = append(due, sc)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return due, nil
}

// ValidateCronLikeSpec checks a standard 5-field cron expression, used by
// the optional `cmd/cli schedule validate` subcommand when an operator
// wants to sanity-check a human-authored recurrence string before it is
// translated into (interval_type, interval_value). This is the only use of
// robfig/cron/v3 in the module — the scheduler's own arithmetic is
// calendar-agnostic fixed durations, never a cron spec.
func ValidateCronLikeSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

func (s *Store) upsertDoc(ctx context.Context, sc model.Schedule) {
	last := float64(0)
	if sc.LastRunAt != nil {
		last = float64(sc.LastRunAt.Unix())
	}
	_ = s.idx.UpsertSearchDoc(ctx, keys.ScheduleDoc(sc.ID), SearchDocTTL, map[string]interface{}{
		"id":          sc.ID,
		"enabled":     strconv.FormatBool(sc.Enabled),
		"next_run_at": float64(sc.NextRunAt.Unix()),
		"last_run_at": last,
	})
}

// fromFields decodes a full primary hash. It is never fed a projected FT
// document; those only identify candidates (see DueSet).
func fromFields(raw map[string]string) model.Schedule {
	var lastRunAt *time.Time
	if t, err := time.Parse(time.RFC3339Nano, raw["last_run_at"]); err == nil {
		lastRunAt = &t
	}
	enabled, _ := strconv.ParseBool(raw["enabled"])
	intervalValue, _ := strconv.Atoi(raw["interval_value"])
	nextRunAt, _ := time.Parse(time.RFC3339Nano, raw["next_run_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, raw["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, raw["updated_at"])

	return model.Schedule{
		ID: raw["id"], Name: raw["name"], Description: raw["description"],
		IntervalType: model.IntervalType(raw["interval_type"]), IntervalValue: intervalValue,
		Instructions: raw["instructions"], TargetInstance: raw["target_instance_id"],
		Enabled: enabled, CreatedAt: createdAt, UpdatedAt: updatedAt,
		NextRunAt: nextRunAt, LastRunAt: lastRunAt,
	}
}
