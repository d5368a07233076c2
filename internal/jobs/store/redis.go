package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

const (
	jobKeyPrefix     = "job:"
	userJobsPrefix   = "user:%s:jobs"
	userActivePrefix = "user:%s:active"
	counterPrefix    = "stats:"

	// userIndexCap bounds the per-user recent-job index; listings never
	// page deeper than this.
	userIndexCap = 100
)

// decrFloorScript decrements a counter without letting it go negative.
var decrFloorScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
  v = 0
end
return v
`)

// RedisStore persists job records in Redis with a retention TTL.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a Redis-backed store. Records expire retention
// after creation.
func NewRedisStore(rdb *redis.Client, retention time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
		logger:    logger,
	}
}

func (s *RedisStore) Create(ctx context.Context, record *domain.JobRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(record.JobID), payload, s.retention)
	userKey := fmt.Sprintf(userJobsPrefix, record.OwnerUserID)
	pipe.LPush(ctx, userKey, record.JobID)
	pipe.LTrim(ctx, userKey, 0, userIndexCap-1)
	pipe.Expire(ctx, userKey, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", record.JobID),
		slog.String("user_id", record.OwnerUserID),
	)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	var record domain.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}

// Mutate applies fn under an optimistic WATCH transaction, retrying on
// concurrent modification.
func (s *RedisStore) Mutate(ctx context.Context, jobID string, fn func(*domain.JobRecord) error) (*domain.JobRecord, error) {
	key := jobKey(jobID)

	var updated *domain.JobRecord
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrJobNotFound
			}
			return err
		}

		var record domain.JobRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to unmarshal job record: %w", err)
		}

		if err := fn(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("failed to marshal job record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &record
		return nil
	}

	for {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

func (s *RedisStore) ListUserJobs(ctx context.Context, userID string, limit int) ([]*domain.JobRecord, error) {
	if limit <= 0 || limit > userIndexCap {
		limit = userIndexCap
	}

	userKey := fmt.Sprintf(userJobsPrefix, userID)
	ids, err := s.rdb.LRange(ctx, userKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user job index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user jobs: %w", err)
	}

	records := make([]*domain.JobRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired record still referenced by the index.
			continue
		}
		var record domain.JobRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Warn("Skipping undecodable job record in user index",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *RedisStore) IncrActive(ctx context.Context, userID string) (int64, error) {
	key := fmt.Sprintf(userActivePrefix, userID)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment active counter: %w", err)
	}
	return n, nil
}

func (s *RedisStore) DecrActive(ctx context.Context, userID string) (int64, error) {
	key := fmt.Sprintf(userActivePrefix, userID)
	n, err := decrFloorScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement active counter: %w", err)
	}
	return n, nil
}

func (s *RedisStore) IncrCounter(ctx context.Context, name string) error {
	if err := s.rdb.Incr(ctx, counterPrefix+name).Err(); err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Counters(ctx context.Context, names ...string) (map[string]int64, error) {
	if len(names) == 0 {
		return map[string]int64{}, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = counterPrefix + name
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	counters := make(map[string]int64, len(names))
	for i, name := range names {
		counters[name] = 0
		if raw, ok := values[i].(string); ok {
			var n int64
			if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
				counters[name] = n
			}
		}
	}
	return counters, nil
}

func (s *RedisStore) Close() error {
	return nil // the shared client owns the connection
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
