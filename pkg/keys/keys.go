// Package keys is the canonical Redis key registry for the whole module.
// All key construction is gated through this layer; no other package may
// build a key literal by hand.
package keys

import "fmt"

// FT index / document-prefix names. These double as both the RediSearch
// index name and the hash-document key prefix for that entity.
const (
	TasksIndex     = "sre_tasks"
	ThreadsIndex   = "sre_threads"
	SchedulesIndex = "sre_schedules"
	QAIndex        = "sre_qa"
	InstancesIndex = "sre_instances"
	KnowledgeIndex = "sre_knowledge"
)

// Thread keys.

func ThreadMetadata(id string) string { return fmt.Sprintf("sre:thread:%s:metadata", id) }
func ThreadContext(id string) string  { return fmt.Sprintf("sre:thread:%s:context", id) }
func ThreadUpdates(id string) string  { return fmt.Sprintf("sre:thread:%s:updates", id) }
func ThreadResult(id string) string   { return fmt.Sprintf("sre:thread:%s:result", id) }
func ThreadError(id string) string    { return fmt.Sprintf("sre:thread:%s:error", id) }
func ThreadTasksIndex(id string) string {
	return fmt.Sprintf("sre:thread:%s:tasks", id)
}

// ThreadsZSet is the global reverse-chronological index of all threads,
// used by ListThreads fallback and purge/scan tooling.
const ThreadsZSet = "sre:threads"

// Task keys.

func TaskStatus(id string) string   { return fmt.Sprintf("sre:task:%s:status", id) }
func TaskMetadata(id string) string { return fmt.Sprintf("sre:task:%s:metadata", id) }
func TaskUpdates(id string) string  { return fmt.Sprintf("sre:task:%s:updates", id) }
func TaskResult(id string) string   { return fmt.Sprintf("sre:task:%s:result", id) }
func TaskError(id string) string    { return fmt.Sprintf("sre:task:%s:error", id) }

// Schedule keys.

func Schedule(id string) string { return fmt.Sprintf("sre:schedules:%s", id) }

// ScheduleDoc returns the FT hash document key for a schedule.
func ScheduleDoc(id string) string { return fmt.Sprintf("%s:%s", SchedulesIndex, id) }

// TaskDoc, ThreadDoc, QADoc, InstanceDoc, KnowledgeDoc return the FT hash
// document key for the respective entity.
func TaskDoc(id string) string      { return fmt.Sprintf("%s:%s", TasksIndex, id) }
func ThreadDoc(id string) string    { return fmt.Sprintf("%s:%s", ThreadsIndex, id) }
func QADoc(id string) string        { return fmt.Sprintf("%s:%s", QAIndex, id) }
func InstanceDoc(id string) string  { return fmt.Sprintf("%s:%s", InstancesIndex, id) }
func KnowledgeDoc(id string) string { return fmt.Sprintf("%s:%s", KnowledgeIndex, id) }

// Instance connection metadata (encrypted, consumed but not produced by the
// core — see pkg/instance).
func InstanceMetadata(id string) string { return fmt.Sprintf("sre:instance:%s:metadata", id) }

// Dedup token key for a queue submission dedup-key slot.
func TaskDedup(key string) string { return fmt.Sprintf("sre_task_dedup:%s", key) }

// Queue keys (used by pkg/queue).

// QueueList returns the main FIFO list key for a named queue.
func QueueList(name string) string { return fmt.Sprintf("sre:queue:%s", name) }

// ProcessingList is the in-flight claim list a worker moves a task into
// while it is being executed (BLMOVE source->dest semantics).
const ProcessingList = "sre:queue:processing"

// DelayedZSet holds tasks scheduled for future execution (score = unix nano
// execution time).
const DelayedZSet = "sre:queue:delayed"

// DeadLetterList holds tasks that exhausted their retry budget.
const DeadLetterList = "sre:queue:dead_letter"

// ConcurrencySet returns the key tracking in-flight task ids for a given
// concurrency_key, used to enforce max_concurrent.
func ConcurrencySet(concurrencyKey string) string {
	return fmt.Sprintf("sre:queue:concurrency:%s", concurrencyKey)
}

// PerpetualNext tracks the next scheduled run for an automatic perpetual
// task, keyed by task function name.
func PerpetualNext(name string) string { return fmt.Sprintf("sre:queue:perpetual:%s", name) }

// TaskClaim holds the raw in-flight queue entry keyed by entry id, so the
// stale-claim reaper can return a crashed worker's abandoned work to its
// queue.
func TaskClaim(queueTaskID string) string { return fmt.Sprintf("sre:queue:claim:%s", queueTaskID) }

// ClaimsZSet indexes every outstanding claim by acquisition time (score),
// so the stale-claim reaper can find abandoned claims without SCANning the
// keyspace for sre:queue:claim:* strings.
const ClaimsZSet = "sre:queue:claims"

// StreamChannel returns the pub/sub channel name a thread's live updates are
// published on.
func StreamChannel(threadID string) string { return fmt.Sprintf("sre:stream:thread:%s", threadID) }
