// Package store persists job records and the per-user bookkeeping the job
// manager needs: retention-bounded records, a most-recent-first index per
// user, and atomic counters backing the concurrency-limit check.
package store

import (
	"context"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// Store is the durable source of truth for job state.
type Store interface {
	// Create persists a new record and adds it to the owner's recent index.
	Create(ctx context.Context, record *domain.JobRecord) error

	// Get returns the record, or domain.ErrJobNotFound if absent or expired.
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)

	// Mutate applies fn to the current record and persists the result
	// atomically with respect to concurrent mutations. If fn returns an
	// error the record is left unchanged and the error is propagated.
	Mutate(ctx context.Context, jobID string, fn func(*domain.JobRecord) error) (*domain.JobRecord, error)

	// ListUserJobs returns the user's jobs most-recent-first, at most limit.
	ListUserJobs(ctx context.Context, userID string, limit int) ([]*domain.JobRecord, error)

	// IncrActive / DecrActive adjust the user's active-job counter and
	// return the new value. DecrActive never drops below zero.
	IncrActive(ctx context.Context, userID string) (int64, error)
	DecrActive(ctx context.Context, userID string) (int64, error)

	// IncrCounter bumps a named lifecycle counter for queue stats.
	IncrCounter(ctx context.Context, name string) error

	// Counters reads the named lifecycle counters; missing names read as 0.
	Counters(ctx context.Context, names ...string) (map[string]int64, error)

	Close() error
}

// Lifecycle counter names surfaced by queue stats.
const (
	CounterEnqueued  = "jobs_enqueued"
	CounterStarted   = "jobs_started"
	CounterCompleted = "jobs_completed"
	CounterFailed    = "jobs_failed"
	CounterCancelled = "jobs_cancelled"
	CounterRetried   = "jobs_retried"
	CounterTimedOut  = "jobs_timed_out"
)

// StatCounters lists every lifecycle counter in reporting order.
var StatCounters = []string{
	CounterEnqueued,
	CounterStarted,
	CounterCompleted,
	CounterFailed,
	CounterCancelled,
	CounterRetried,
	CounterTimedOut,
}
