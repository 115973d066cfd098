// Package queue implements the Task Queue & Worker Runtime:
// dedup'd submission, delayed execution, concurrency-key slots, retry with
// exponential backoff, perpetual self-rescheduling tasks, a dead-letter
// queue, and a stale-claim reaper.
//
// The runtime is generic: it moves and retries opaque (function-name, args)
// entries. Domain semantics (marking a Task in_progress/done, writing
// Thread updates) live entirely in the registered handler functions
// (pkg/dispatcher), never in this package.
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
)

// AlreadyRunningID is the sentinel task id returned, with a nil error, when
// a submission loses a dedup race.
const AlreadyRunningID = "already_running"

// DedupTTL is the TTL on a dedup token.
const DedupTTL = 300 * time.Second

// DefaultPriority names the priority queue used when SubmitOptions.Priority
// is empty.
const DefaultPriority = "default"

// ErrUnknownFunction is returned when submitting or dispatching a function
// name that was never registered.
var ErrUnknownFunction = errors.New("queue: unknown function")

// ErrPermanent marks a handler failure as non-retryable. A handler that
// wraps its error with ErrPermanent goes straight to the dead-letter queue
// instead of consuming retry attempts. Validation failures use this.
var ErrPermanent = errors.New("queue: permanent failure")

// Handler is a registered task function. It receives the submission's typed
// args and returns a result (passed back to the caller-supplied persistence
// via whatever the handler itself does with it) or an error.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// RetryPolicy controls re-enqueue-on-failure behavior.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first. Zero means
	// "no retry": a single failure goes straight to the dead-letter queue.
	Attempts int
	// InitialDelay is the delay before the first retry; each subsequent
	// retry doubles it (exponential backoff).
	InitialDelay time.Duration
}

// Perpetual declares a task as self-rescheduling.
type Perpetual struct {
	Every     time.Duration
	Automatic bool
}

// SubmitOptions configures one Submit call.
type SubmitOptions struct {
	// Priority selects one of the "high"/"default"/"low" queues; empty means
	// DefaultPriority.
	Priority string
	// DedupKey, if non-empty, gates this submission to at most one winner
	// for DedupTTL.
	DedupKey string
	// When, if set and in the future, delays execution until that instant.
	When *time.Time
	// ConcurrencyKey and MaxConcurrent bound the number of simultaneously
	// in-flight entries sharing ConcurrencyKey. MaxConcurrent <= 0 means
	// unbounded.
	ConcurrencyKey string
	MaxConcurrent  int
	RetryPolicy    RetryPolicy
	Perpetual      *Perpetual
}

// entry is the wire shape persisted into Redis lists/zsets. Only
// (name, args) plus scheduling metadata ever cross the boundary — never a
// closure.
type entry struct {
	ID             string         `json:"id"`
	FnName         string         `json:"fn_name"`
	Args           map[string]any `json:"args"`
	Priority       string         `json:"priority"`
	Attempt        int            `json:"attempt"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	DedupKey       string         `json:"dedup_key,omitempty"`
	ConcurrencyKey string         `json:"concurrency_key,omitempty"`
	MaxConcurrent  int            `json:"max_concurrent,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	Perpetual      *Perpetual     `json:"perpetual,omitempty"`
}

// Client is the queue producer/administration surface. Workers (worker.go)
// embed a Client to share its registry and Redis connection.
type Client struct {
	rdb      redis.Cmdable
	registry map[string]Handler
}

// NewClient constructs a queue Client.
func NewClient(rdb redis.Cmdable) *Client {
	return &Client{rdb: rdb, registry: map[string]Handler{}}
}

// Register adds a named task function to the registry. Re-registering a
// name replaces the previous handler.
func (c *Client) Register(name string, h Handler) {
	c.registry[name] = h
}

// Submit enqueues (name, args) under opts and returns an opaque queue entry
// id. On a dedup collision, it returns (AlreadyRunningID, nil) — this is a
// successful outcome, not an error.
func (c *Client) Submit(ctx context.Context, name string, args map[string]any, opts SubmitOptions) (string, error) {
	if _, ok := c.registry[name]; !ok {
		return "", fmt.Errorf("submit %s: %w", name, ErrUnknownFunction)
	}

	if opts.DedupKey != "" {
		ok, err := c.rdb.SetNX(ctx, keys.TaskDedup(opts.DedupKey), "1", DedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("submit %s: dedup check: %w", name, err)
		}
		if !ok {
			return AlreadyRunningID, nil
		}
	}

	priority := opts.Priority
	if priority == "" {
		priority = DefaultPriority
	}

	e := entry{
		ID:             ids.NewUUID(),
		FnName:         name,
		Args:           args,
		Priority:       priority,
		SubmittedAt:    time.Now().UTC(),
		DedupKey:       opts.DedupKey,
		ConcurrencyKey: opts.ConcurrencyKey,
		MaxConcurrent:  opts.MaxConcurrent,
		RetryPolicy:    opts.RetryPolicy,
		Perpetual:      opts.Perpetual,
	}

	if err := c.push(ctx, e, opts.When); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (c *Client) push(ctx context.Context, e entry, when *time.Time) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if when != nil && when.After(time.Now()) {
		return c.rdb.ZAdd(ctx, keys.DelayedZSet, redis.Z{Score: float64(when.UnixNano()), Member: raw}).Err()
	}
	return c.rdb.RPush(ctx, keys.QueueList(e.Priority), raw).Err()
}

// QueueDepths reports the current length of every queue list plus the
// delayed and dead-letter sets, for /metrics and operator visibility.
func (c *Client) QueueDepths(ctx context.Context) map[string]int64 {
	depths := map[string]int64{}
	for _, p := range []string{"high", DefaultPriority, "low"} {
		if n, err := c.rdb.LLen(ctx, keys.QueueList(p)).Result(); err == nil {
			depths["queue:"+p] = n
		}
	}
	if n, err := c.rdb.LLen(ctx, keys.ProcessingList).Result(); err == nil {
		depths["processing"] = n
	}
	if n, err := c.rdb.ZCard(ctx, keys.DelayedZSet).Result(); err == nil {
		depths["delayed"] = n
	}
	if n, err := c.rdb.LLen(ctx, keys.DeadLetterList).Result(); err == nil {
		depths["dead_letter"] = n
	}
	return depths
}

// InspectDeadLetter returns up to limit raw dead-letter entries for
// operator tooling (cmd/cli).
func (c *Client) InspectDeadLetter(ctx context.Context, limit int64) ([]string, error) {
	return c.rdb.LRange(ctx, keys.DeadLetterList, 0, limit-1).Result()
}
