package queue

import (
	"context"
	"sync"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// MemoryQueue is an in-process Queue for tests and single-node development.
type MemoryQueue struct {
	mu     sync.Mutex
	lanes  map[domain.Priority][]string
	signal chan struct{}
	closed bool
}

// NewMemoryQueue creates an empty in-memory priority queue.
func NewMemoryQueue() *MemoryQueue {
	lanes := make(map[domain.Priority][]string, len(domain.Priorities))
	for _, p := range domain.Priorities {
		lanes[p] = nil
	}
	return &MemoryQueue{
		lanes:  lanes,
		signal: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Push(_ context.Context, task domain.Task) error {
	q.mu.Lock()
	q.lanes[task.Priority] = append(q.lanes[task.Priority], task.JobID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (domain.Task, error) {
	for {
		if task, ok := q.tryPop(); ok {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// tryPop takes the head of the highest-priority non-empty lane.
func (q *MemoryQueue) tryPop() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range domain.Priorities {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		jobID := lane[0]
		q.lanes[p] = lane[1:]

		// Wake another waiter if work remains.
		if q.remainingLocked() > 0 {
			select {
			case q.signal <- struct{}{}:
			default:
			}
		}
		return domain.Task{JobID: jobID, Priority: p}, true
	}
	return domain.Task{}, false
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string, priority domain.Priority) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.lanes[priority]
	for i, id := range lane {
		if id == jobID {
			q.lanes[priority] = append(lane[:i:i], lane[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Depths(_ context.Context) (map[domain.Priority]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[domain.Priority]int64, len(domain.Priorities))
	for _, p := range domain.Priorities {
		depths[p] = int64(len(q.lanes[p]))
	}
	return depths, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// remainingLocked counts queued tasks across all lanes. Caller holds q.mu.
func (q *MemoryQueue) remainingLocked() int {
	total := 0
	for _, lane := range q.lanes {
		total += len(lane)
	}
	return total
}
