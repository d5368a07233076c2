package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

const lanePrefix = "queue:"

// popPoll bounds how long a single BRPOP blocks so Pop can honor context
// cancellation between attempts.
const popPoll = time.Second

// RedisQueue backs each lane with a Redis list. BRPOP across the four keys
// in lane order yields strict priority: Redis checks the listed keys in
// order and pops from the first non-empty one.
type RedisQueue struct {
	rdb    *redis.Client
	logger *slog.Logger
	keys   []string
}

// NewRedisQueue creates a Redis-backed priority queue.
func NewRedisQueue(rdb *redis.Client, logger *slog.Logger) *RedisQueue {
	keys := make([]string, len(domain.Priorities))
	for i, p := range domain.Priorities {
		keys[i] = laneKey(p)
	}
	return &RedisQueue{
		rdb:    rdb,
		logger: logger,
		keys:   keys,
	}
}

func (q *RedisQueue) Push(ctx context.Context, task domain.Task) error {
	if err := q.rdb.LPush(ctx, laneKey(task.Priority), task.JobID).Err(); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	q.logger.Debug("Task queued",
		slog.String("job_id", task.JobID),
		slog.String("priority", string(task.Priority)),
	)
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (domain.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Task{}, err
		}

		// LPUSH at the head and BRPOP at the tail keep each lane FIFO.
		result, err := q.rdb.BRPop(ctx, popPoll, q.keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // poll timeout, re-check ctx
			}
			return domain.Task{}, fmt.Errorf("failed to pop task: %w", err)
		}

		// result is [key, value]
		return domain.Task{
			JobID:    result[1],
			Priority: priorityFromKey(result[0]),
		}, nil
	}
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string, priority domain.Priority) (bool, error) {
	removed, err := q.rdb.LRem(ctx, laneKey(priority), 1, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove task: %w", err)
	}
	return removed > 0, nil
}

func (q *RedisQueue) Depths(ctx context.Context) (map[domain.Priority]int64, error) {
	depths := make(map[domain.Priority]int64, len(domain.Priorities))
	for _, p := range domain.Priorities {
		n, err := q.rdb.LLen(ctx, laneKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read lane depth: %w", err)
		}
		depths[p] = n
	}
	return depths, nil
}

func (q *RedisQueue) Close() error {
	return nil // the shared client owns the connection
}

func laneKey(p domain.Priority) string {
	return lanePrefix + string(p)
}

func priorityFromKey(key string) domain.Priority {
	return domain.ParsePriority(key[len(lanePrefix):])
}
