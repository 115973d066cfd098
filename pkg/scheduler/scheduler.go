// Package scheduler implements the Scheduler: a perpetual
// queue task that fans due schedules out into threads and agent-turn tasks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/queue"
	"github.com/redis-sre/agentcore/pkg/schedule"
	"github.com/redis-sre/agentcore/pkg/taskfn"
	"github.com/redis-sre/agentcore/pkg/thread"
)

// TickInterval is the perpetual cadence of the scheduler task.
const TickInterval = 30 * time.Second

// SentinelConcurrencyKey guarantees only one scheduler tick runs at a time
// across every worker process.
const SentinelConcurrencyKey = "scheduler_sentinel"

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Processed int       `json:"processed"`
	Submitted int       `json:"submitted"`
	Timestamp time.Time `json:"timestamp"`
}

// Scheduler owns the stores needed to materialize schedules into threads
// and tasks.
type Scheduler struct {
	schedules *schedule.Store
	threads   *thread.Store
	queue     *queue.Client
}

// New constructs a Scheduler.
func New(schedules *schedule.Store, threads *thread.Store, q *queue.Client) *Scheduler {
	return &Scheduler{schedules: schedules, threads: threads, queue: q}
}

// RegisterOn registers the scheduler tick as a perpetual queue function and
// bootstraps its first run. Worker processes call this.
func (s *Scheduler) RegisterOn(ctx context.Context, q *queue.Client) error {
	return q.RegisterPerpetual(ctx, taskfn.SchedulerTick, s.handleTick, TickInterval, nil)
}

// RegisterHandlerOn registers the tick handler without bootstrapping the
// perpetual loop. Producer-only processes (HTTP server, CLI) call this so
// TriggerScheduler submissions pass the registry check without spawning a
// second perpetual chain.
func (s *Scheduler) RegisterHandlerOn(q *queue.Client) {
	q.Register(taskfn.SchedulerTick, s.handleTick)
}

func (s *Scheduler) handleTick(ctx context.Context, args map[string]any) (map[string]any, error) {
	result, err := s.Tick(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"processed": result.Processed, "submitted": result.Submitted,
		"timestamp": result.Timestamp.Format(time.RFC3339Nano),
	}, nil
}

// Tick runs one scheduler pass.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := time.Now().UTC()
	due, err := s.schedules.DueSet(ctx, now)
	if err != nil {
		return TickResult{}, fmt.Errorf("scheduler tick: due set: %w", err)
	}

	submitted := 0
	for _, sc := range due {
		if err := s.materialize(ctx, sc, sc.NextRunAt); err != nil {
			logger.Log.Warn().Err(err).Str("schedule_id", sc.ID).Msg("failed to materialize due schedule")
			continue
		}
		submitted++
	}

	return TickResult{Processed: len(due), Submitted: submitted, Timestamp: now}, nil
}

// TriggerSchedule runs one schedule immediately without advancing its
// timer: manual triggers are side-effect-free on next_run_at/last_run_at.
func (s *Scheduler) TriggerSchedule(ctx context.Context, scheduleID string) (string, error) {
	sc, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return "", fmt.Errorf("trigger schedule: %w", err)
	}

	now := time.Now().UTC()
	dedupKey := fmt.Sprintf("manual_schedule_%s_%s", sc.ID, now.Format("150405"))
	threadID, err := s.submitTurn(ctx, *sc, now, dedupKey)
	if err != nil {
		return "", fmt.Errorf("trigger schedule: %w", err)
	}
	return threadID, nil
}

// TriggerScheduler enqueues one immediate scheduler tick, deduplicated per
// second so rapid repeated manual triggers collapse into one tick.
func (s *Scheduler) TriggerScheduler(ctx context.Context, q *queue.Client) (string, error) {
	dedupKey := "manual_scheduler_tick_" + time.Now().UTC().Format("20060102_150405")
	return q.Submit(ctx, taskfn.SchedulerTick, nil, queue.SubmitOptions{
		DedupKey: dedupKey, ConcurrencyKey: SentinelConcurrencyKey, MaxConcurrent: 1,
	})
}

// materialize creates a thread + submits an agent-turn task for one due
// schedule, then advances next_run_at/last_run_at exactly once, regardless
// of whether submission actually won its dedup race.
func (s *Scheduler) materialize(ctx context.Context, sc model.Schedule, scheduledTime time.Time) error {
	minuteSlot := scheduledTime.Format("20060102_1504")
	dedupKey := fmt.Sprintf("schedule_%s_%s", sc.ID, minuteSlot)

	if _, err := s.submitTurn(ctx, sc, scheduledTime, dedupKey); err != nil {
		logger.Log.Warn().Err(err).Str("schedule_id", sc.ID).Msg("failed to submit scheduled turn")
	}

	return s.schedules.AdvanceAfterRun(ctx, sc, scheduledTime)
}

func (s *Scheduler) submitTurn(ctx context.Context, sc model.Schedule, scheduledTime time.Time, dedupKey string) (string, error) {
	minuteSlot := scheduledTime.Format("20060102_1504")
	sessionID := fmt.Sprintf("schedule_%s_%s", sc.ID, minuteSlot)

	threadContext := map[string]any{
		"schedule_id":    sc.ID,
		"schedule_name":  sc.Name,
		"automated":      true,
		"original_query": sc.Instructions,
		"scheduled_at":   scheduledTime.Format(time.RFC3339Nano),
	}
	if sc.TargetInstance != "" {
		threadContext["instance_id"] = sc.TargetInstance
	}

	threadID, err := s.threads.CreateThread(ctx, "scheduler", sessionID, threadContext, []string{"automated", "scheduled"})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := s.threads.SetSubject(ctx, threadID, sc.Name); err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to seed scheduled thread subject")
	}

	_, err = s.queue.Submit(ctx, taskfn.ProcessAgentTurn, map[string]any{
		"thread_id": threadID,
		"message":   sc.Instructions,
		"context":   threadContext,
	}, queue.SubmitOptions{
		When:           &scheduledTime,
		DedupKey:       dedupKey,
		ConcurrencyKey: threadID,
		MaxConcurrent:  1,
		RetryPolicy:    queue.RetryPolicy{Attempts: 3, InitialDelay: 5 * time.Second},
	})
	if err != nil {
		return "", fmt.Errorf("submit process_agent_turn: %w", err)
	}
	return threadID, nil
}
