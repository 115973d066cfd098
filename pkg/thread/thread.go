// Package thread implements the Thread Store: durable CRUD
// and append operations for conversation containers.
package thread

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
	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// ErrNotFound is returned by reads for a thread id that doesn't exist.
var ErrNotFound = errors.New("thread: not found")

// MaxUpdates bounds the length of a thread's updates list.
const MaxUpdates = 1000

// SearchDocTTL is the TTL put on the Threads FT hash document.
const SearchDocTTL = 24 * 60 * 60

// Store is the Thread Store.
type Store struct {
	rdb    redis.Cmdable
	idx    *index.Manager
	stream ports.StreamChannel // optional; nil disables streaming
}

// Option configures a Store.
type Option func(*Store)

// WithStream attaches a StreamChannel that every AppendUpdate call also
// publishes to. Passing nil (the default) silently disables streaming.
func WithStream(s ports.StreamChannel) Option {
	return func(st *Store) { st.stream = s }
}

// NewStore constructs a Thread Store.
func NewStore(rdb redis.Cmdable, idx *index.Manager, opts ...Option) *Store {
	s := &Store{rdb: rdb, idx: idx}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateThread creates a new Thread and returns its id.
func (s *Store) CreateThread(ctx context.Context, userID, sessionID string, initialContext map[string]any, tags []string) (string, error) {
	threadID := ids.NewULID()
	now := time.Now().UTC()

	ctxCopy := map[string]any{}
	for k, v := range initialContext {
		ctxCopy[k] = v
	}
	if _, ok := ctxCopy["messages"]; !ok {
		ctxCopy["messages"] = []model.Message{}
	}

	ctxJSON, err := json.Marshal(ctxCopy)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keys.ThreadMetadata(threadID), map[string]interface{}{
		"thread_id":  threadID,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
		"user_id":    userID,
		"session_id": sessionID,
		"subject":    "",
		"tags":       strings.Join(tags, ","),
		"priority":   "0",
	})
	pipe.Set(ctx, keys.ThreadContext(threadID), ctxJSON, 0)
	pipe.ZAdd(ctx, keys.ThreadsZSet, redis.Z{Score: float64(now.Unix()), Member: threadID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	s.upsertDoc(ctx, threadID)
	return threadID, nil
}

// GetThread reassembles the full Thread state, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	md, err := s.rdb.HGetAll(ctx, keys.ThreadMetadata(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread metadata: %w", err)
	}
	if len(md) == 0 {
		return nil, ErrNotFound
	}

	ctxRaw, err := s.rdb.Get(ctx, keys.ThreadContext(id)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get thread context: %w", err)
	}
	context := map[string]any{}
	if ctxRaw != "" {
		_ = json.Unmarshal([]byte(ctxRaw), &context)
	}

	updates, err := s.loadUpdates(ctx, id)
	if err != nil {
		return nil, err
	}

	var finalResult map[string]any
	if raw, err := s.rdb.Get(ctx, keys.ThreadResult(id)).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &finalResult)
	}
	finalError, _ := s.rdb.Get(ctx, keys.ThreadError(id)).Result()

	priority, _ := strconv.Atoi(md["priority"])
	var tags []string
	if md["tags"] != "" {
		tags = strings.Split(md["tags"], ",")
	}

	return &model.Thread{
		Metadata: model.ThreadMetadata{
			ThreadID:  id,
			CreatedAt: parseTime(md["created_at"]),
			UpdatedAt: parseTime(md["updated_at"]),
			UserID:    md["user_id"],
			SessionID: md["session_id"],
			Subject:   md["subject"],
			Tags:      tags,
			Priority:  priority,
		},
		Context:     context,
		Updates:     updates,
		FinalResult: finalResult,
		FinalError:  finalError,
	}, nil
}

func (s *Store) loadUpdates(ctx context.Context, id string) ([]model.Update, error) {
	raw, err := s.rdb.LRange(ctx, keys.ThreadUpdates(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread updates: %w", err)
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

// AppendUpdate appends a progress entry, bumps updated_at, trims the list to
// MaxUpdates, refreshes the FT doc, and publishes to the stream channel if
// one is attached.
func (s *Store) AppendUpdate(ctx context.Context, id, message, updateType string, metadata map[string]any) error {
	update := model.Update{Timestamp: time.Now().UTC(), Message: message, UpdateType: updateType, Metadata: metadata}
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keys.ThreadUpdates(id), raw)
	pipe.LTrim(ctx, keys.ThreadUpdates(id), -MaxUpdates, -1)
	pipe.HSet(ctx, keys.ThreadMetadata(id), "updated_at", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, keys.ThreadsZSet, redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append thread update: %w", err)
	}

	s.upsertDoc(ctx, id)

	if s.stream != nil {
		taskID, _ := metadata["task_id"].(string)
		if err := s.stream.Publish(ctx, id, ports.StreamEvent{
			ThreadID: id, TaskID: taskID, Type: updateType, Message: message, At: now,
		}); err != nil {
			logger.Log.Warn().Err(err).Str("thread_id", id).Msg("stream publish failed")
		}
	}
	return nil
}

// UpdateContext merges (or replaces) the thread's free-form context bag.
func (s *Store) UpdateContext(ctx context.Context, id string, patch map[string]any, merge bool) error {
	thread, err := s.GetThread(ctx, id)
	if err != nil {
		return err
	}
	newContext := patch
	if merge {
		newContext = thread.Context
		for k, v := range patch {
			newContext[k] = v
		}
	}
	raw, err := json.Marshal(newContext)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.ThreadContext(id), raw, 0)
	pipe.HSet(ctx, keys.ThreadMetadata(id), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update thread context: %w", err)
	}
	s.upsertDoc(ctx, id)
	return nil
}

// SetResult writes the terminal result artifact.
func (s *Store) SetResult(ctx context.Context, id string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, keys.ThreadResult(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("set thread result: %w", err)
	}
	_ = s.rdb.HSet(ctx, keys.ThreadMetadata(id), "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	s.upsertDoc(ctx, id)
	return nil
}

// SetError writes the terminal error artifact.
func (s *Store) SetError(ctx context.Context, id, msg string) error {
	if err := s.rdb.Set(ctx, keys.ThreadError(id), msg, 0).Err(); err != nil {
		return fmt.Errorf("set thread error: %w", err)
	}
	_ = s.rdb.HSet(ctx, keys.ThreadMetadata(id), "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	s.upsertDoc(ctx, id)
	return nil
}

// SetSubject sets the subject verbatim (already-derived subjects).
func (s *Store) SetSubject(ctx context.Context, id, subject string) error {
	if err := s.rdb.HSet(ctx, keys.ThreadMetadata(id), "subject", subject).Err(); err != nil {
		return fmt.Errorf("set thread subject: %w", err)
	}
	s.upsertDoc(ctx, id)
	return nil
}

// UpdateSubject seeds a subject from a free-form seed string: the first
// line, capped to 80 characters with an ellipsis if truncated.
func (s *Store) UpdateSubject(ctx context.Context, id, seed string) error {
	return s.SetSubject(ctx, id, DeriveSubject(seed))
}

// DeriveSubject implements the subject-seeding rule in isolation so it can be
// unit tested without Redis.
func DeriveSubject(seed string) string {
	line := seed
	if idx := strings.IndexAny(seed, "\r\n"); idx >= 0 {
		line = seed[:idx]
	}
	const cap = 80
	runes := []rune(line)
	if len(runes) <= cap {
		return line
	}
	return string(runes[:cap-1]) + "…"
}

// ListThreads lists thread summaries, index-first with a KV fallback.
func (s *Store) ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.ThreadSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "*"
	if userID != "" {
		query = fmt.Sprintf("@user_id:{%s}", escapeTag(userID))
	}
	docs, _, err := s.idx.Search(ctx, keys.ThreadsIndex, index.SearchOptions{
		Query: query, SortBy: "updated_at", SortAsc: false, Limit: limit + offset,
	})
	if err == nil && len(docs) > 0 {
		summaries := make([]model.ThreadSummary, 0, len(docs))
		for i, d := range docs {
			if i < offset {
				continue
			}
			summaries = append(summaries, docToSummary(d))
		}
		return summaries, nil
	}

	// Fallback: scan sre:threads in reverse-chronological order.
	ids, err := s.rdb.ZRevRange(ctx, keys.ThreadsZSet, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads fallback: %w", err)
	}
	summaries := make([]model.ThreadSummary, 0, len(ids))
	for _, id := range ids {
		th, err := s.GetThread(ctx, id)
		if err != nil {
			continue
		}
		if userID != "" && th.Metadata.UserID != userID {
			continue
		}
		summaries = append(summaries, model.ThreadSummary{
			ThreadID: id, Subject: th.Metadata.Subject, UserID: th.Metadata.UserID,
			Tags: th.Metadata.Tags, Priority: th.Metadata.Priority,
			CreatedAt: th.Metadata.CreatedAt, UpdatedAt: th.Metadata.UpdatedAt,
		})
	}
	return summaries, nil
}

// DeleteThread deletes all thread keys and, optionally, cascades to its tasks.
// cascadeFn is called once per owned task id when cascadeTasks is true; the
// caller supplies it (pkg/task.Store.DeleteTask) to avoid an import cycle.
func (s *Store) DeleteThread(ctx context.Context, id string, cascadeTasks bool, cascadeFn func(ctx context.Context, taskID string) error) error {
	if cascadeTasks && cascadeFn != nil {
		taskIDs, err := s.rdb.ZRange(ctx, keys.ThreadTasksIndex(id), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list thread tasks for cascade: %w", err)
		}
		for _, taskID := range taskIDs {
			if err := cascadeFn(ctx, taskID); err != nil {
				logger.Log.Warn().Err(err).Str("task_id", taskID).Msg("cascade task delete failed")
			}
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys.ThreadMetadata(id), keys.ThreadContext(id), keys.ThreadUpdates(id),
		keys.ThreadResult(id), keys.ThreadError(id), keys.ThreadTasksIndex(id))
	pipe.ZRem(ctx, keys.ThreadsZSet, id)
	pipe.Del(ctx, keys.ThreadDoc(id))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (s *Store) upsertDoc(ctx context.Context, id string) {
	md, err := s.rdb.HGetAll(ctx, keys.ThreadMetadata(id)).Result()
	if err != nil || len(md) == 0 {
		return
	}
	_ = s.idx.UpsertSearchDoc(ctx, keys.ThreadDoc(id), SearchDocTTL, map[string]interface{}{
		"user_id":     md["user_id"],
		"instance_id": "", // always empty; the bound instance stays in the thread context
		"subject":     md["subject"],
		"tags":        md["tags"],
		"created_at":  toEpoch(md["created_at"]),
		"updated_at":  toEpoch(md["updated_at"]),
	})
}

func docToSummary(d index.Doc) model.ThreadSummary {
	threadID := strings.TrimPrefix(d.Key, keys.ThreadsIndex+":")
	return model.ThreadSummary{
		ThreadID:  threadID,
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
