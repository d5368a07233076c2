package domain

import "time"

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateQueued     JobState = "QUEUED"
	JobStateStarted    JobState = "STARTED"
	JobStateProcessing JobState = "PROCESSING"
	JobStateRetrying   JobState = "RETRYING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
	JobStateCancelled  JobState = "CANCELLED"
)

// IsTerminal reports whether the state is absorbing. A terminal record is
// immutable except for retention expiry.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job counts toward the per-user concurrency
// limit and may still be cancelled. A retrying job holds its slot until it
// either completes on a later attempt or exhausts its budget.
func (s JobState) IsActive() bool {
	switch s {
	case JobStateQueued, JobStateStarted, JobStateProcessing, JobStateRetrying:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
// QUEUED -> STARTED -> PROCESSING -> {COMPLETED|FAILED|CANCELLED};
// FAILED is reached again from RETRYING when retries are exhausted;
// CANCELLED is reachable from any active state.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case JobStateQueued:
		return to == JobStateStarted || to == JobStateCancelled
	case JobStateStarted:
		return to == JobStateProcessing || to == JobStateFailed || to == JobStateCancelled
	case JobStateProcessing:
		return to == JobStateCompleted || to == JobStateFailed ||
			to == JobStateCancelled || to == JobStateRetrying
	case JobStateRetrying:
		return to == JobStateStarted || to == JobStateFailed || to == JobStateCancelled
	}
	return false
}

// Priority selects one of the four queue lanes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all lanes in strict scheduling order, highest first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a request string onto a lane, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	}
	return PriorityNormal
}

// ErrorInfo is the sanitized failure detail stored on a failed job. Message
// carries only the generic user-facing text; the correlation id links it to
// the full internal log entry.
type ErrorInfo struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// JobRecord is the persisted state of a job. Exactly one writer mutates a
// given record at a time: the worker that dequeued it, or the manager for
// cancellation and timeout.
type JobRecord struct {
	JobID       string            `json:"job_id"`
	JobType     string            `json:"job_type"`
	State       JobState          `json:"state"`
	Priority    Priority          `json:"priority"`
	Topic       string            `json:"topic"`
	OwnerUserID string            `json:"owner_user_id"`
	PayloadRef  string            `json:"payload_ref"`
	Progress    float64           `json:"progress_percentage"`
	CurrentStep string            `json:"current_step,omitempty"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Error       *ErrorInfo        `json:"error_info,omitempty"`

	RetryCount      int  `json:"retry_count"`
	MaxRetries      int  `json:"max_retries"`
	TimeoutSeconds  int  `json:"timeout_seconds"`
	CancelRequested bool `json:"cancel_requested"`

	// Sequence is the last progress sequence number issued for this job.
	// Sequence numbers are strictly increasing and never reused.
	Sequence uint64 `json:"sequence"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is the queue entry referencing a job. Payload bytes never ride the
// queue; the worker resolves PayloadRef against the blob store.
type Task struct {
	JobID    string   `json:"job_id"`
	Priority Priority `json:"priority"`
}
