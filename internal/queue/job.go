package queue

import "time"

// NoteConflictOverride marks a job the user chose to keep after a conflict;
// the conflict check is skipped on its next attempts.
const NoteConflictOverride = "conflict override: keep local"

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInFlight    Status = "in_flight"
	StatusSynced      Status = "synced"
	StatusFailed      Status = "failed"
	StatusDiscarded   Status = "discarded"
	StatusNeedsReview Status = "needs_review"
)

// Job is one queued blockchain-writing action. Payload, Kind, Scope and
// CreatedAt never change after enqueue.
type Job struct {
	ID            string
	Kind          Kind
	Payload       Payload
	Meta          map[string]string
	Scope         Scope
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
	NextAttemptAt time.Time
	TxHash        string
	Note          string
	SyncedAt      time.Time
	SizeBytes     int64
	MediaCount    int
}

// Synced reports terminal success.
func (j Job) Synced() bool {
	return j.Status == StatusSynced
}

// TerminalFailed reports whether the job will never be retried automatically.
func (j Job) TerminalFailed() bool {
	return j.Status == StatusFailed
}

// Terminal reports whether automatic retries are exhausted under maxRetries.
func (j Job) Terminal(maxRetries int) bool {
	if j.Synced() {
		return false
	}
	return j.Status == StatusFailed || j.Attempts >= maxRetries
}

// Open reports whether the job still occupies its place in the FIFO order.
func (j Job) Open() bool {
	return j.Status == StatusPending || j.Status == StatusInFlight
}

// Stats summarizes queue state for a scope.
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	Failed      int `json:"failed"`
	Synced      int `json:"synced"`
	Discarded   int `json:"discarded"`
	NeedsReview int `json:"needs_review"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Kinds    []Kind
	Statuses []Status
	Since    time.Time
	Limit    int
}
