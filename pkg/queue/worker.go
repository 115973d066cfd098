package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/ids"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/metrics"
)

// concurrencyAcquireScript atomically checks and grows a concurrency-key
// member set: if SCARD < max, SADD the member and return 1; otherwise
// return 0 without mutating anything.
var concurrencyAcquireScript = redis.NewScript(`
local set_key = KEYS[1]
local member = ARGV[1]
local max = tonumber(ARGV[2])
local current = redis.call('SCARD', set_key)
if current < max then
	redis.call('SADD', set_key, member)
	return 1
end
return 0
`)

// Worker polls the priority queues, enforces concurrency slots, invokes
// registered handlers, and applies retry/dead-letter/perpetual policy.
type Worker struct {
	id          string
	client      *Client
	rdb         redis.Cmdable
	pollTimeout time.Duration
	// requeueDelay is how long a concurrency-blocked entry waits before the
	// next attempt, to avoid a hot poll loop.
	requeueDelay time.Duration
}

// NewWorker constructs a Worker sharing client's registry and connection.
func NewWorker(client *Client, rdb redis.Cmdable) *Worker {
	return &Worker{
		id:           ids.NewUUID(),
		client:       client,
		rdb:          rdb,
		pollTimeout:  1 * time.Second,
		requeueDelay: 500 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled, processing one entry per iteration.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := w.tick(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Warn().Err(err).Str("worker_id", w.id).Msg("worker tick error")
		}
	}
}

// tick dequeues and processes at most one entry. It returns nil on an empty
// poll (not an error condition).
func (w *Worker) tick(ctx context.Context) error {
	raw, err := w.dequeue(ctx)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Corrupt entry: can't be retried meaningfully, drop it into the DLQ
		// verbatim and move on.
		logger.Log.Error().Err(err).Msg("dropping unparseable queue entry")
		w.rdb.RPush(ctx, keys.DeadLetterList, raw)
		w.rdb.LRem(ctx, keys.ProcessingList, 1, raw)
		return nil
	}

	if e.ConcurrencyKey != "" && e.MaxConcurrent > 0 {
		acquired, err := w.acquireConcurrency(ctx, e.ConcurrencyKey, e.MaxConcurrent)
		if err != nil {
			return fmt.Errorf("acquire concurrency: %w", err)
		}
		if !acquired {
			// Someone else holds every slot; park this entry for a short
			// delay and try again later instead of busy-looping.
			w.rdb.LRem(ctx, keys.ProcessingList, 1, raw)
			when := time.Now().Add(w.requeueDelay)
			return w.client.push(ctx, e, &when)
		}
		defer w.releaseConcurrency(ctx, e.ConcurrencyKey)
	}

	w.claim(ctx, e.ID, raw)
	defer w.releaseClaim(ctx, e.ID)

	handler, ok := w.client.registry[e.FnName]
	if !ok {
		logger.Log.Error().Str("fn_name", e.FnName).Msg("unknown function, sending to dead letter")
		w.deadLetter(ctx, e, raw, ErrUnknownFunction.Error())
		return nil
	}

	maxAttempts := e.RetryPolicy.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	metrics.QueueLatency.WithLabelValues(e.FnName).Observe(time.Since(e.SubmittedAt).Seconds())

	start := time.Now()
	handlerCtx := withAttempt(ctx, AttemptInfo{Attempt: e.Attempt + 1, MaxAttempts: maxAttempts})
	_, handlerErr := handler(handlerCtx, e.Args)
	metrics.TaskDuration.WithLabelValues(e.FnName).Observe(time.Since(start).Seconds())
	w.ack(ctx, raw)

	if handlerErr != nil {
		w.handleFailure(ctx, e, raw, handlerErr)
	} else {
		metrics.TasksProcessed.WithLabelValues("success", e.FnName).Inc()
		if e.Perpetual != nil && e.Perpetual.Automatic {
			w.rescheduleNext(ctx, e)
		}
	}
	return nil
}

// dequeue tries each priority queue high->default->low via BLMOVE into the
// shared processing list, returning "" on a full empty sweep.
func (w *Worker) dequeue(ctx context.Context) (string, error) {
	for _, p := range []string{"high", DefaultPriority, "low"} {
		result, err := w.rdb.BLMove(ctx, keys.QueueList(p), keys.ProcessingList, "LEFT", "RIGHT", w.pollTimeout).Result()
		if err == nil {
			return result, nil
		}
		if err != redis.Nil {
			return "", err
		}
	}
	return "", nil
}

func (w *Worker) ack(ctx context.Context, raw string) {
	if err := w.rdb.LRem(ctx, keys.ProcessingList, 1, raw).Err(); err != nil {
		logger.Log.Warn().Err(err).Msg("ack: failed to remove from processing list")
	}
}

func (w *Worker) deadLetter(ctx context.Context, e entry, raw, reason string) {
	logger.Log.Warn().Str("task_id", e.ID).Str("fn_name", e.FnName).Str("reason", reason).Msg("task moved to dead letter")
	w.rdb.RPush(ctx, keys.DeadLetterList, raw)
	w.ack(ctx, raw)
}

// handleFailure retries with exponential backoff up to RetryPolicy.Attempts,
// then dead-letters. Permanent failures skip the retry budget entirely.
func (w *Worker) handleFailure(ctx context.Context, e entry, raw string, handlerErr error) {
	if errors.Is(handlerErr, ErrPermanent) {
		metrics.TasksProcessed.WithLabelValues("failed", e.FnName).Inc()
		w.deadLetter(ctx, e, raw, handlerErr.Error())
		return
	}
	e.Attempt++
	if e.Attempt >= e.RetryPolicy.Attempts {
		logger.Log.Error().Err(handlerErr).Str("task_id", e.ID).Str("fn_name", e.FnName).Msg("task failed permanently")
		metrics.TasksProcessed.WithLabelValues("failed", e.FnName).Inc()
		newRaw, err := json.Marshal(e)
		if err != nil {
			newRaw = []byte(raw)
		}
		w.rdb.RPush(ctx, keys.DeadLetterList, newRaw)
		return
	}
	metrics.TasksProcessed.WithLabelValues("retry", e.FnName).Inc()
	metrics.RetriesTotal.WithLabelValues(e.FnName).Inc()

	initial := e.RetryPolicy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	backoff := initial * time.Duration(1<<uint(e.Attempt-1))
	when := time.Now().Add(backoff)

	logger.Log.Warn().Err(handlerErr).Str("task_id", e.ID).Int("attempt", e.Attempt).
		Dur("backoff", backoff).Msg("retrying failed task")
	if err := w.client.push(ctx, e, &when); err != nil {
		logger.Log.Error().Err(err).Str("task_id", e.ID).Msg("failed to schedule retry")
	}
}

// rescheduleNext submits the next instance of a perpetual task at its fixed
// cadence.
func (w *Worker) rescheduleNext(ctx context.Context, e entry) {
	when := time.Now().Add(e.Perpetual.Every)
	next := entry{
		ID:             ids.NewUUID(),
		FnName:         e.FnName,
		Args:           e.Args,
		Priority:       e.Priority,
		SubmittedAt:    time.Now().UTC(),
		ConcurrencyKey: e.ConcurrencyKey,
		MaxConcurrent:  e.MaxConcurrent,
		RetryPolicy:    e.RetryPolicy,
		Perpetual:      e.Perpetual,
	}
	if err := w.client.push(ctx, next, &when); err != nil {
		logger.Log.Error().Err(err).Str("fn_name", e.FnName).Msg("failed to reschedule perpetual task")
	}
}

func (w *Worker) acquireConcurrency(ctx context.Context, key string, max int) (bool, error) {
	result, err := concurrencyAcquireScript.Run(ctx, w.rdb, []string{keys.ConcurrencySet(key)}, w.id, max).Result()
	if err != nil {
		return false, err
	}
	n, _ := result.(int64)
	return n == 1, nil
}

// releaseConcurrency drops this worker's member from the concurrency set;
// acquireConcurrency added w.id, so that is what gets removed.
func (w *Worker) releaseConcurrency(ctx context.Context, key string) {
	if err := w.rdb.SRem(ctx, keys.ConcurrencySet(key), w.id).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("concurrency_key", key).Msg("failed to release concurrency slot")
	}
}

// claim records the raw entry this worker has in flight, keyed by entry id,
// so the stale-claim reaper (reaper.go) can find the stranded processing-
// list entry of a crashed worker and push it back onto its queue.
func (w *Worker) claim(ctx context.Context, id, raw string) {
	now := time.Now()
	pipe := w.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskClaim(id), raw, 0)
	pipe.ZAdd(ctx, keys.ClaimsZSet, redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", id).Msg("failed to record claim")
	}
}

func (w *Worker) releaseClaim(ctx context.Context, id string) {
	pipe := w.rdb.TxPipeline()
	pipe.Del(ctx, keys.TaskClaim(id))
	pipe.ZRem(ctx, keys.ClaimsZSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", id).Msg("failed to release claim")
	}
}
