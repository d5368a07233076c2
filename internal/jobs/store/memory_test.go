package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

func newRecord(jobID, userID string) *domain.JobRecord {
	now := time.Now().UTC()
	return &domain.JobRecord{
		JobID:       jobID,
		JobType:     "file_ingest",
		State:       domain.JobStateQueued,
		Priority:    domain.PriorityNormal,
		Topic:       "topic-" + jobID,
		OwnerUserID: userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	require.NoError(t, s.Create(ctx, newRecord("job-1", "user-1")))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, domain.JobStateQueued, got.State)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Create(ctx, newRecord("job-1", "user-1")))

	first, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	first.State = domain.JobStateFailed

	second, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, second.State)
}

func TestMemoryStore_Mutate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Create(ctx, newRecord("job-1", "user-1")))

	t.Run("applies the change", func(t *testing.T) {
		updated, err := s.Mutate(ctx, "job-1", func(record *domain.JobRecord) error {
			record.State = domain.JobStateStarted
			record.Sequence++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateStarted, updated.State)
		assert.Equal(t, uint64(1), updated.Sequence)
	})

	t.Run("an aborting closure leaves the record untouched", func(t *testing.T) {
		abort := errors.New("abort")
		_, err := s.Mutate(ctx, "job-1", func(record *domain.JobRecord) error {
			record.State = domain.JobStateCompleted
			return abort
		})
		assert.ErrorIs(t, err, abort)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateStarted, got.State)
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := s.Mutate(ctx, "missing", func(*domain.JobRecord) error { return nil })
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestMemoryStore_RetentionExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10 * time.Millisecond)
	require.NoError(t, s.Create(ctx, newRecord("job-1", "user-1")))

	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	// The expired job also disappears from the user's listing.
	records, err := s.ListUserJobs(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryStore_ListUserJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	require.NoError(t, s.Create(ctx, newRecord("job-1", "user-1")))
	require.NoError(t, s.Create(ctx, newRecord("job-2", "user-1")))
	require.NoError(t, s.Create(ctx, newRecord("job-3", "user-2")))

	records, err := s.ListUserJobs(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Most recent first.
	assert.Equal(t, "job-2", records[0].JobID)
	assert.Equal(t, "job-1", records[1].JobID)

	records, err = s.ListUserJobs(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-2", records[0].JobID)
}

func TestMemoryStore_ActiveCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	n, err := s.IncrActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DecrActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The counter never goes below zero.
	_, err = s.DecrActive(ctx, "user-1")
	require.NoError(t, err)
	n, err = s.DecrActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryStore_LifecycleCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	require.NoError(t, s.IncrCounter(ctx, CounterEnqueued))
	require.NoError(t, s.IncrCounter(ctx, CounterEnqueued))
	require.NoError(t, s.IncrCounter(ctx, CounterCompleted))

	counters, err := s.Counters(ctx, StatCounters...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters[CounterEnqueued])
	assert.Equal(t, int64(1), counters[CounterCompleted])
	assert.Equal(t, int64(0), counters[CounterFailed])
}
