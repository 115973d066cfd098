// Package qa persists QA records: an optional artifact written after a
// successfully completed, non-degraded turn.
package qa

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/ids"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// SearchDocTTL is the TTL on the QA FT hash document, in seconds.
const SearchDocTTL int64 = 24 * 60 * 60

// Store is the QA Record Store.
type Store struct {
	rdb      redis.Cmdable
	idx      *index.Manager
	embedder ports.Embedder // optional; nil disables vector fields
}

// NewStore constructs a QA Store. embedder may be nil, in which case QA
// records are written without question_vector/answer_vector fields.
func NewStore(rdb redis.Cmdable, idx *index.Manager, embedder ports.Embedder) *Store {
	return &Store{rdb: rdb, idx: idx, embedder: embedder}
}

// Write persists one QA record after a completed turn.
func (s *Store) Write(ctx context.Context, threadID, taskID, userID, question, answer string, citations []string) (string, error) {
	rec := model.QARecord{
		ID: ids.NewULID(), ThreadID: threadID, TaskID: taskID, UserID: userID,
		Question: question, Answer: answer, Citations: citations,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	fields := map[string]interface{}{
		"id": rec.ID, "thread_id": rec.ThreadID, "task_id": rec.TaskID, "user_id": rec.UserID,
		"question": rec.Question, "answer": rec.Answer, "citations": strings.Join(rec.Citations, "|"),
		"created_at": float64(rec.CreatedAt.Unix()), "updated_at": float64(rec.UpdatedAt.Unix()),
	}

	if s.embedder != nil {
		if vectors, err := s.embedder.EmbedMany(ctx, []string{question, answer}); err == nil && len(vectors) == 2 {
			fields["question_vector"] = encodeVector(vectors[0])
			fields["answer_vector"] = encodeVector(vectors[1])
		}
	}

	if err := s.idx.UpsertSearchDoc(ctx, keys.QADoc(rec.ID), SearchDocTTL, fields); err != nil {
		return "", fmt.Errorf("write qa record: %w", err)
	}
	return rec.ID, nil
}

// encodeVector packs a float32 vector into the little-endian binary blob
// RediSearch VECTOR fields expect.
func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return string(buf)
}

// Get reads a QA record by id.
func (s *Store) Get(ctx context.Context, id string) (*model.QARecord, error) {
	raw, err := s.rdb.HGetAll(ctx, keys.QADoc(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get qa record: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("qa record %s not found", id)
	}
	createdEpoch, _ := strconv.ParseFloat(raw["created_at"], 64)
	updatedEpoch, _ := strconv.ParseFloat(raw["updated_at"], 64)
	var citations []string
	if raw["citations"] != "" {
		citations = strings.Split(raw["citations"], "|")
	}
	return &model.QARecord{
		ID: raw["id"], ThreadID: raw["thread_id"], TaskID: raw["task_id"], UserID: raw["user_id"],
		Question: raw["question"], Answer: raw["answer"], Citations: citations,
		CreatedAt: time.Unix(int64(createdEpoch), 0).UTC(),
		UpdatedAt: time.Unix(int64(updatedEpoch), 0).UTC(),
	}, nil
}

// Search runs a text query over questions/answers, index-first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]model.QARecord, error) {
	docs, _, err := s.idx.Search(ctx, keys.QAIndex, index.SearchOptions{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("search qa: %w", err)
	}
	records := make([]model.QARecord, 0, len(docs))
	for _, d := range docs {
		id := strings.TrimPrefix(d.Key, keys.QAIndex+":")
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}
