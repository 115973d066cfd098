// Package task implements the Task Store: durable CRUD for
// asynchronous agent-turn executions, including the status transition matrix.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/ids"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/model"
)

// ErrNotFound is returned by reads for a task id that doesn't exist.
var ErrNotFound = errors.New("task: not found")

// ErrInvalidTransition is returned when UpdateStatus would move a task
// backward or out of a terminal state.
var ErrInvalidTransition = errors.New("task: invalid status transition")

// MaxUpdates bounds a task's updates list, mirroring pkg/thread.
const MaxUpdates = 1000

// SearchDocTTL is the TTL on the Tasks FT hash document.
const SearchDocTTL = 24 * 60 * 60

var allowedTransitions = map[model.TaskStatus]map[model.TaskStatus]bool{
	model.TaskQueued: {
		model.TaskInProgress: true,
		model.TaskCancelled:  true,
		model.TaskFailed:     true,
	},
	model.TaskInProgress: {
		model.TaskDone:      true,
		model.TaskFailed:    true,
		model.TaskCancelled: true,
	},
}

// Store is the Task Store.
type Store struct {
	rdb redis.Cmdable
	idx *index.Manager
}

// NewStore constructs a Task Store.
func NewStore(rdb redis.Cmdable, idx *index.Manager) *Store {
	return &Store{rdb: rdb, idx: idx}
}

// CreateTask is the single consolidated task constructor.
func (s *Store) CreateTask(ctx context.Context, threadID, userID, subject string) (string, error) {
	taskID := ids.NewULID()
	now := time.Now().UTC()

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(taskID), string(model.TaskQueued), 0)
	pipe.HSet(ctx, keys.TaskMetadata(taskID), map[string]interface{}{
		"task_id":    taskID,
		"thread_id":  threadID,
		"user_id":    userID,
		"subject":    subject,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	if threadID != "" {
		pipe.ZAdd(ctx, keys.ThreadTasksIndex(threadID), redis.Z{Score: float64(now.Unix()), Member: taskID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	s.upsertDoc(ctx, taskID, model.TaskQueued)
	return taskID, nil
}

// GetTaskState reassembles the full Task state, or ErrNotFound.
func (s *Store) GetTaskState(ctx context.Context, id string) (*model.Task, error) {
	status, err := s.rdb.Get(ctx, keys.TaskStatus(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}

	md, err := s.rdb.HGetAll(ctx, keys.TaskMetadata(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task metadata: %w", err)
	}

	updates, err := s.loadUpdates(ctx, id)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if raw, err := s.rdb.Get(ctx, keys.TaskResult(id)).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &result)
	}
	errMsg, _ := s.rdb.Get(ctx, keys.TaskError(id)).Result()

	return &model.Task{
		TaskID:       id,
		ThreadID:     md["thread_id"],
		Status:       model.TaskStatus(status),
		Updates:      updates,
		Result:       result,
		ErrorMessage: errMsg,
		Metadata: model.TaskMetadata{
			CreatedAt: parseTime(md["created_at"]),
			UpdatedAt: parseTime(md["updated_at"]),
			UserID:    md["user_id"],
			Subject:   md["subject"],
		},
	}, nil
}

func (s *Store) loadUpdates(ctx context.Context, id string) ([]model.Update, error) {
	raw, err := s.rdb.LRange(ctx, keys.TaskUpdates(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get task updates: %w", err)
	}
	updates := make([]model.Update, 0, len(raw))
	for _, r := range raw {
		var u model.Update
		if err := json.Unmarshal([]byte(r), &u); err == nil {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

// UpdateStatus transitions a task's status, enforcing the allowed-transition
// matrix. Moving into or out of a terminal state incorrectly returns
// ErrInvalidTransition without mutating anything.
func (s *Store) UpdateStatus(ctx context.Context, id string, next model.TaskStatus) error {
	current, err := s.rdb.Get(ctx, keys.TaskStatus(id)).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	currentStatus := model.TaskStatus(current)

	if currentStatus == next {
		return nil
	}
	if !allowedTransitions[currentStatus][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, next)
	}

	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(id), string(next), 0)
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", now.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	s.upsertDoc(ctx, id, next)
	return nil
}

// AppendUpdate appends a progress entry and trims to MaxUpdates.
func (s *Store) AppendUpdate(ctx context.Context, id, message, updateType string, metadata map[string]any) error {
	update := model.Update{Timestamp: time.Now().UTC(), Message: message, UpdateType: updateType, Metadata: metadata}
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keys.TaskUpdates(id), raw)
	pipe.LTrim(ctx, keys.TaskUpdates(id), -MaxUpdates, -1)
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append task update: %w", err)
	}
	return nil
}

// SetResult writes the result artifact and transitions the task to done.
func (s *Store) SetResult(ctx context.Context, id string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, keys.TaskResult(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	return s.UpdateStatus(ctx, id, model.TaskDone)
}

// SetError writes the error artifact and transitions the task to failed.
func (s *Store) SetError(ctx context.Context, id, msg string) error {
	if err := s.rdb.Set(ctx, keys.TaskError(id), msg, 0).Err(); err != nil {
		return fmt.Errorf("set task error: %w", err)
	}
	return s.UpdateStatus(ctx, id, model.TaskFailed)
}

// ListOptions filters a ListTasks call. With no explicit Status and
// ShowAll false, only active tasks (queued, in_progress) are returned.
type ListOptions struct {
	ThreadID string
	UserID   string
	Status   string
	ShowAll  bool
	Limit    int
}

// statusFilter resolves the effective status set for a listing.
func (o ListOptions) statusFilter() []string {
	if o.Status != "" {
		return []string{o.Status}
	}
	if o.ShowAll {
		return nil
	}
	return []string{string(model.TaskQueued), string(model.TaskInProgress)}
}

// ListTasks lists task summaries sorted by updated_at descending,
// index-first with a per-thread ZSET fallback when ThreadID is given, or a
// bounded scan over recent threads otherwise.
func (s *Store) ListTasks(ctx context.Context, opts ListOptions) ([]model.TaskSummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	statuses := opts.statusFilter()

	var clauses []string
	if opts.ThreadID != "" {
		clauses = append(clauses, fmt.Sprintf("@thread_id:{%s}", escapeTag(opts.ThreadID)))
	}
	if opts.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("@user_id:{%s}", escapeTag(opts.UserID)))
	}
	if len(statuses) > 0 {
		escaped := make([]string, len(statuses))
		for i, st := range statuses {
			escaped[i] = escapeTag(st)
		}
		clauses = append(clauses, fmt.Sprintf("@status:{%s}", strings.Join(escaped, "|")))
	}
	query := "*"
	if len(clauses) > 0 {
		query = strings.Join(clauses, " ")
	}

	docs, _, err := s.idx.Search(ctx, keys.TasksIndex, index.SearchOptions{
		Query: query, SortBy: "updated_at", SortAsc: false, Limit: opts.Limit,
	})
	if err == nil && len(docs) > 0 {
		summaries := make([]model.TaskSummary, 0, len(docs))
		for _, d := range docs {
			summaries = append(summaries, docToSummary(d))
		}
		return summaries, nil
	}

	return s.listFallback(ctx, opts, statuses)
}

// listFallback resolves a listing from primary KV: the thread's own tasks
// ZSET when scoped, otherwise the tasks of the most recently active
// threads.
func (s *Store) listFallback(ctx context.Context, opts ListOptions, statuses []string) ([]model.TaskSummary, error) {
	threadIDs := []string{opts.ThreadID}
	if opts.ThreadID == "" {
		ids, err := s.rdb.ZRevRange(ctx, keys.ThreadsZSet, 0, 199).Result()
		if err != nil {
			return nil, fmt.Errorf("list tasks fallback: %w", err)
		}
		threadIDs = ids
	}

	var summaries []model.TaskSummary
	for _, threadID := range threadIDs {
		taskIDs, err := s.rdb.ZRevRange(ctx, keys.ThreadTasksIndex(threadID), 0, int64(opts.Limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("list tasks fallback: %w", err)
		}
		for _, id := range taskIDs {
			t, err := s.GetTaskState(ctx, id)
			if err != nil {
				continue
			}
			if !matchesStatus(statuses, t.Status) {
				continue
			}
			if opts.UserID != "" && t.Metadata.UserID != opts.UserID {
				continue
			}
			summaries = append(summaries, model.TaskSummary{
				TaskID: id, ThreadID: t.ThreadID, Status: t.Status, Subject: t.Metadata.Subject,
				UserID: t.Metadata.UserID, CreatedAt: t.Metadata.CreatedAt, UpdatedAt: t.Metadata.UpdatedAt,
			})
			if len(summaries) >= opts.Limit {
				return summaries, nil
			}
		}
	}
	return summaries, nil
}

func matchesStatus(statuses []string, status model.TaskStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == string(status) {
			return true
		}
	}
	return false
}

// DeleteTask removes every key belonging to a task. It is safe to call on a
// task that no longer exists.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	md, _ := s.rdb.HGetAll(ctx, keys.TaskMetadata(id)).Result()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys.TaskStatus(id), keys.TaskMetadata(id), keys.TaskUpdates(id),
		keys.TaskResult(id), keys.TaskError(id))
	if threadID := md["thread_id"]; threadID != "" {
		pipe.ZRem(ctx, keys.ThreadTasksIndex(threadID), id)
	}
	pipe.Del(ctx, keys.TaskDoc(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) upsertDoc(ctx context.Context, id string, status model.TaskStatus) {
	md, err := s.rdb.HGetAll(ctx, keys.TaskMetadata(id)).Result()
	if err != nil || len(md) == 0 {
		return
	}
	_ = s.idx.UpsertSearchDoc(ctx, keys.TaskDoc(id), SearchDocTTL, map[string]interface{}{
		"status":     string(status),
		"user_id":    md["user_id"],
		"thread_id":  md["thread_id"],
		"subject":    md["subject"],
		"created_at": toEpoch(md["created_at"]),
		"updated_at": toEpoch(md["updated_at"]),
	})
}

func docToSummary(d index.Doc) model.TaskSummary {
	taskID := strings.TrimPrefix(d.Key, keys.TasksIndex+":")
	return model.TaskSummary{
		TaskID:    taskID,
		ThreadID:  d.Fields["thread_id"],
		Status:    model.TaskStatus(d.Fields["status"]),
		Subject:   d.Fields["subject"],
		UserID:    d.Fields["user_id"],
		CreatedAt: epochToTime(d.Fields["created_at"]),
		UpdatedAt: epochToTime(d.Fields["updated_at"]),
	}
}

func escapeTag(v string) string {
	return strings.NewReplacer("-", "\\-", " ", "\\ ").Replace(v)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func toEpoch(v string) float64 {
	t := parseTime(v)
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix())
}

func epochToTime(v string) time.Time {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(f), 0).UTC()
}
