// Package model holds the entity types shared across stores, the queue, the
// scheduler, and the dispatcher. None of these types own persistence logic —
// that lives in the per-entity store packages (thread, task, schedule, ...).
package model

import "time"

// TaskStatus is the lifecycle state of a Task. Values are totally ordered:
// queued -> in_progress -> {done, failed, cancelled}. Backward transitions
// are rejected by pkg/task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether status is one of done/failed/cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// IntervalType is the unit used by a Schedule's recurrence.
type IntervalType string

const (
	IntervalMinutes IntervalType = "minutes"
	IntervalHours   IntervalType = "hours"
	IntervalDays    IntervalType = "days"
	IntervalWeeks   IntervalType = "weeks"
)

// Duration converts an (IntervalType, value) pair into a fixed duration:
// minutes/hours/days/weeks are multiples of 60s/3600s/86400s/604800s, never
// calendar arithmetic.
func (t IntervalType) Duration(value int) time.Duration {
	unit := time.Minute
	switch t {
	case IntervalHours:
		unit = time.Hour
	case IntervalDays:
		unit = 24 * time.Hour
	case IntervalWeeks:
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(value) * unit
}

// Update is one append-only progress entry on a Thread or Task.
type Update struct {
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message"`
	UpdateType string         `json:"update_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Message is a tagged-sum conversation entry. Role is one of "user" or
// "assistant" for anything persisted across turns; "tool" messages only ever
// live inside a single in-memory turn.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ThreadMetadata is the hash-backed summary fields of a Thread.
type ThreadMetadata struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Subject   string    `json:"subject"`
	Tags      []string  `json:"tags,omitempty"`
	Priority  int       `json:"priority"`
}

// Thread is the full assembled state of a conversation container.
type Thread struct {
	Metadata    ThreadMetadata `json:"metadata"`
	Context     map[string]any `json:"context"`
	Updates     []Update       `json:"updates"`
	FinalResult map[string]any `json:"final_result,omitempty"`
	FinalError  string         `json:"final_error,omitempty"`
}

// ThreadSummary is the projected, index-friendly view of a Thread used by
// ListThreads.
type ThreadSummary struct {
	ThreadID  string    `json:"thread_id"`
	Subject   string    `json:"subject"`
	UserID    string    `json:"user_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskMetadata is the hash-backed summary fields of a Task.
type TaskMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

// Task is the full assembled state of one asynchronous agent turn.
type Task struct {
	TaskID       string         `json:"task_id"`
	ThreadID     string         `json:"thread_id"`
	Status       TaskStatus     `json:"status"`
	Updates      []Update       `json:"updates"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     TaskMetadata   `json:"metadata"`
}

// TaskSummary is the projected, index-friendly view of a Task used by ListTasks.
type TaskSummary struct {
	TaskID    string     `json:"task_id"`
	ThreadID  string     `json:"thread_id"`
	Status    TaskStatus `json:"status"`
	Subject   string     `json:"subject"`
	UserID    string     `json:"user_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Schedule is a cron-like recurring directive.
type Schedule struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	IntervalType   IntervalType `json:"interval_type"`
	IntervalValue  int          `json:"interval_value"`
	Instructions   string       `json:"instructions"`
	TargetInstance string       `json:"target_instance_id,omitempty"`
	Enabled        bool         `json:"enabled"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	NextRunAt      time.Time    `json:"next_run_at"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
}

// NextAfter computes next_run_at given the schedule fires at `from`.
func (s Schedule) NextAfter(from time.Time) time.Time {
	return from.Add(s.IntervalType.Duration(s.IntervalValue))
}

// Instance is encrypted connection metadata for a Redis target. Consumed but
// not produced by the execution substrate.
type Instance struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Environment   string    `json:"environment,omitempty"`
	Usage         string    `json:"usage,omitempty"`
	InstanceType  string    `json:"instance_type,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	ConnectionURL string    `json:"-"` // decrypted, in-memory only
	CreatedAt     time.Time `json:"created_at"`
}

// QARecord is an optional artifact of one completed turn, written after a
// successful non-degraded turn.
type QARecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id,omitempty"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Citations []string  `json:"citations,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentKind is one of the three dispatch strategies.
type AgentKind string

const (
	AgentRedisTriage   AgentKind = "redis_triage"
	AgentRedisChat     AgentKind = "redis_chat"
	AgentKnowledgeOnly AgentKind = "knowledge_only"
)
