// Package queue provides the four priority lanes tasks are scheduled on.
// Scheduling is strict priority across lanes and FIFO within a lane:
// a popped task is always from the highest-priority non-empty lane.
package queue

import (
	"context"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// Queue orders task references across the four lanes.
type Queue interface {
	// Push appends the task to the tail of its lane.
	Push(ctx context.Context, task domain.Task) error

	// Pop blocks until a task is available or ctx is done, returning the
	// head of the highest-priority non-empty lane.
	Pop(ctx context.Context) (domain.Task, error)

	// Remove performs a best-effort removal of a queued task, returning
	// whether it was found. A task already handed to a worker cannot be
	// removed.
	Remove(ctx context.Context, jobID string, priority domain.Priority) (bool, error)

	// Depths reports the current number of queued tasks per lane.
	Depths(ctx context.Context) (map[domain.Priority]int64, error)

	Close() error
}
