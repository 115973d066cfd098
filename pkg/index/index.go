// Package index owns the RediSearch secondary indices: schema definitions,
// idempotent creation, best-effort document upserts, and FT.SEARCH querying
// with RESP2/RESP3 result parsing.
//
// Index maintenance is optimistic throughout: writers always
// update primary KV first and then push a projected hash here; failures are
// logged and a counter is bumped, but a primary write never fails because of
// an index problem.
package index

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/logger"
)

// FieldType is a RediSearch SCHEMA field type.
type FieldType string

const (
	Tag         FieldType = "TAG"
	Text        FieldType = "TEXT"
	Numeric     FieldType = "NUMERIC"
	NumericSort FieldType = "NUMERIC_SORTABLE"
	Vector      FieldType = "VECTOR"
)

// Field describes one entry of a RediSearch SCHEMA clause.
type Field struct {
	Name string
	Type FieldType
	// Dim/Distance/Algorithm only apply when Type == Vector.
	Dim       int
	Distance  string
	Algorithm string
}

// Schema is the definition of one RediSearch index.
type Schema struct {
	Name   string
	Prefix string
	Fields []Field
}

func (s Schema) args() []interface{} {
	args := []interface{}{"FT.CREATE", s.Name, "ON", "HASH", "PREFIX", "1", s.Prefix, "SCHEMA"}
	for _, f := range s.Fields {
		switch f.Type {
		case NumericSort:
			args = append(args, f.Name, "NUMERIC", "SORTABLE")
		case Vector:
			args = append(args, f.Name, "VECTOR", "FLAT", "6",
				"TYPE", "FLOAT32", "DIM", fmt.Sprintf("%d", f.Dim), "DISTANCE_METRIC", f.Distance)
		default:
			args = append(args, f.Name, string(f.Type))
		}
	}
	return args
}

// EnsureIndexFailures counts best-effort index-maintenance failures,
// exposed to cmd/server's /healthz handler so operators can see index
// drift.
var EnsureIndexFailures int64

// Manager owns the set of known schemas and the Redis client used to
// maintain them.
type Manager struct {
	rdb     redis.Cmdable
	schemas map[string]Schema
}

// NewManager constructs an index Manager and registers the built-in
// schemas.
func NewManager(rdb redis.Cmdable) *Manager {
	m := &Manager{rdb: rdb, schemas: map[string]Schema{}}
	m.Register(TasksSchema())
	m.Register(ThreadsSchema())
	m.Register(SchedulesSchema())
	m.Register(QASchema(1536))
	m.Register(InstancesSchema())
	m.Register(KnowledgeSchema(1536))
	return m
}

// Register adds or replaces a schema definition known to this manager.
func (m *Manager) Register(s Schema) {
	m.schemas[s.Name] = s
}

// TasksSchema is the Tasks FT index.
func TasksSchema() Schema {
	return Schema{
		Name:   keys.TasksIndex,
		Prefix: keys.TasksIndex + ":",
		Fields: []Field{
			{Name: "status", Type: Tag},
			{Name: "user_id", Type: Tag},
			{Name: "thread_id", Type: Tag},
			{Name: "subject", Type: Text},
			{Name: "created_at", Type: NumericSort},
			{Name: "updated_at", Type: NumericSort},
		},
	}
}

// ThreadsSchema is the Threads FT index.
func ThreadsSchema() Schema {
	return Schema{
		Name:   keys.ThreadsIndex,
		Prefix: keys.ThreadsIndex + ":",
		Fields: []Field{
			{Name: "user_id", Type: Tag},
			{Name: "instance_id", Type: Tag},
			{Name: "subject", Type: Text},
			{Name: "tags", Type: Text},
			{Name: "created_at", Type: NumericSort},
			{Name: "updated_at", Type: NumericSort},
		},
	}
}

// SchedulesSchema is the Schedules FT index.
func SchedulesSchema() Schema {
	return Schema{
		Name:   keys.SchedulesIndex,
		Prefix: keys.SchedulesIndex + ":",
		Fields: []Field{
			{Name: "id", Type: Tag},
			{Name: "enabled", Type: Tag},
			{Name: "next_run_at", Type: NumericSort},
			{Name: "last_run_at", Type: NumericSort},
		},
	}
}

// QASchema is the QA FT index; dim is the embedding model's vector dimension.
func QASchema(dim int) Schema {
	return Schema{
		Name:   keys.QAIndex,
		Prefix: keys.QAIndex + ":",
		Fields: []Field{
			{Name: "user_id", Type: Tag},
			{Name: "thread_id", Type: Tag},
			{Name: "task_id", Type: Tag},
			{Name: "question", Type: Text},
			{Name: "answer", Type: Text},
			{Name: "created_at", Type: Numeric},
			{Name: "updated_at", Type: Numeric},
			{Name: "question_vector", Type: Vector, Dim: dim, Distance: "COSINE"},
			{Name: "answer_vector", Type: Vector, Dim: dim, Distance: "COSINE"},
		},
	}
}

// InstancesSchema is the Instances FT index.
func InstancesSchema() Schema {
	return Schema{
		Name:   keys.InstancesIndex,
		Prefix: keys.InstancesIndex + ":",
		Fields: []Field{
			{Name: "id", Type: Tag},
			{Name: "environment", Type: Tag},
			{Name: "usage", Type: Tag},
			{Name: "instance_type", Type: Tag},
			{Name: "name", Type: Text},
		},
	}
}

// KnowledgeSchema is the Knowledge FT index; dim is the embedding model's
// vector dimension.
func KnowledgeSchema(dim int) Schema {
	return Schema{
		Name:   keys.KnowledgeIndex,
		Prefix: keys.KnowledgeIndex + ":",
		Fields: []Field{
			{Name: "source", Type: Tag},
			{Name: "category", Type: Tag},
			{Name: "severity", Type: Tag},
			{Name: "title", Type: Text},
			{Name: "content", Type: Text},
			{Name: "created_at", Type: Numeric},
			{Name: "vector", Type: Vector, Dim: dim, Distance: "COSINE"},
		},
	}
}

// EnsureIndex creates the named index if it does not already exist. It is
// idempotent and never drops an existing index.
func (m *Manager) EnsureIndex(ctx context.Context, name string) error {
	schema, ok := m.schemas[name]
	if !ok {
		return fmt.Errorf("index %s: unknown schema", name)
	}

	if _, err := m.rdb.Do(ctx, "FT.INFO", name).Result(); err == nil {
		return nil
	}

	if err := m.rdb.Do(ctx, schema.args()...).Err(); err != nil {
		EnsureIndexFailures++
		logger.Log.Warn().Err(err).Str("index", name).Msg("index ensure failed")
		return fmt.Errorf("ensure index %s: %w", name, err)
	}
	return nil
}

// EnsureAll ensures every registered schema exists. Used at process startup.
func (m *Manager) EnsureAll(ctx context.Context) {
	for name := range m.schemas {
		if err := m.EnsureIndex(ctx, name); err != nil {
			logger.Log.Warn().Err(err).Str("index", name).Msg("startup index ensure failed")
		}
	}
}

// RecreateIndex drops (best-effort) and recreates the named index. It does
// NOT delete the underlying hash documents; callers are expected to
// re-backfill from primary KV if the schema changed.
func (m *Manager) RecreateIndex(ctx context.Context, name string) error {
	schema, ok := m.schemas[name]
	if !ok {
		return fmt.Errorf("index %s: unknown schema", name)
	}
	_ = m.rdb.Do(ctx, "FT.DROPINDEX", name).Err()
	if err := m.rdb.Do(ctx, schema.args()...).Err(); err != nil {
		EnsureIndexFailures++
		return fmt.Errorf("recreate index %s: %w", name, err)
	}
	return nil
}

// UpsertSearchDoc best-effort writes a projected hash document for FT search.
// Failure is logged but never returned as fatal to the caller's primary
// write — callers should not abort on a non-nil error, only observe it.
func (m *Manager) UpsertSearchDoc(ctx context.Context, docKey string, ttl int64, fields map[string]interface{}) error {
	if err := m.rdb.HSet(ctx, docKey, fields).Err(); err != nil {
		EnsureIndexFailures++
		logger.Log.Warn().Err(err).Str("doc", docKey).Msg("upsert search doc failed")
		return err
	}
	if ttl > 0 {
		if err := m.rdb.Expire(ctx, docKey, secondsToDuration(ttl)).Err(); err != nil {
			logger.Log.Warn().Err(err).Str("doc", docKey).Msg("expire search doc failed")
		}
	}
	return nil
}
