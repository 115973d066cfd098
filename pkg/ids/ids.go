// Package ids generates identifiers for entities in the system.
//
// Entities that need to sort chronologically by creation (threads, tasks,
// schedules, QA records) get ULIDs, which are lexicographically sortable and
// embed a millisecond timestamp. Entities that only need global uniqueness
// (dedup tokens, API keys, tool-call correlation ids) get plain UUIDs.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new time-ordered, monotonic-within-the-same-millisecond
// identifier suitable for threads, tasks, schedules, and QA records.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID returns a new random UUID for identifiers that don't need to sort.
func NewUUID() string {
	return uuid.New().String()
}
