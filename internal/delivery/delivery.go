// Package delivery owns the outbound webhook leg: durable delivery records,
// the retry schedule, and the executor that drives attempts against the
// downstream receiver.
package delivery

import "time"

// Record status values. A record is terminal once acknowledged or failed.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

// Record is one durable delivery obligation, keyed by event key. It survives
// process restarts; the queue is only the live timer on top of it.
type Record struct {
	ID             string
	EventKey       string
	TargetURL      string
	Payload        []byte
	ResourceType   string
	ResourceID     string
	Status         string
	Attempts       int
	LastError      string
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	AcknowledgedAt *time.Time
	FailedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether no further attempts will be made.
func (r *Record) Terminal() bool {
	return r.Status == StatusAcknowledged || r.Status == StatusFailed
}

// Task is the queue message for one pending delivery. The record row is the
// source of truth; the task just tells a worker which record to attempt.
type Task struct {
	RecordID     string            `json:"record_id"`
	EventKey     string            `json:"event_key"`
	TargetURL    string            `json:"target_url"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Backoff is the fixed retry schedule. Index i is the delay before attempt
// i+1, so schedule[0] is zero: the first attempt fires immediately.
type Backoff struct {
	schedule    []time.Duration
	maxAttempts int
}

func NewBackoff(schedule []time.Duration, maxAttempts int) Backoff {
	if maxAttempts <= 0 || maxAttempts > len(schedule) {
		maxAttempts = len(schedule)
	}
	return Backoff{schedule: schedule, maxAttempts: maxAttempts}
}

// MaxAttempts is the total number of attempts a record gets.
func (b Backoff) MaxAttempts() int { return b.maxAttempts }

// Delay returns the wait before the next attempt, given how many attempts
// have already been made. Fixed table, no jitter: callers depend on the exact
// values for crash recovery math.
func (b Backoff) Delay(attemptsSoFar int) time.Duration {
	if attemptsSoFar < 0 {
		attemptsSoFar = 0
	}
	if attemptsSoFar >= len(b.schedule) {
		attemptsSoFar = len(b.schedule) - 1
	}
	return b.schedule[attemptsSoFar]
}

// Exhausted reports whether a record with the given attempt count has used
// its full budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.maxAttempts
}
