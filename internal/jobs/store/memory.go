package store

import (
	"context"
	"sync"
	"time"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Retention expiry is applied lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	records   map[string]*memoryRecord
	userJobs  map[string][]string
	active    map[string]int64
	counters  map[string]int64
}

type memoryRecord struct {
	record    domain.JobRecord
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store with the given retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		records:   make(map[string]*memoryRecord),
		userJobs:  make(map[string][]string),
		active:    make(map[string]int64),
		counters:  make(map[string]int64),
	}
}

func (s *MemoryStore) Create(_ context.Context, record *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.records[record.JobID] = &memoryRecord{
		record:    clone,
		expiresAt: time.Now().Add(s.retention),
	}

	jobs := append([]string{record.JobID}, s.userJobs[record.OwnerUserID]...)
	if len(jobs) > userIndexCap {
		jobs = jobs[:userIndexCap]
	}
	s.userJobs[record.OwnerUserID] = jobs
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := entry.record
	return &clone, nil
}

func (s *MemoryStore) Mutate(_ context.Context, jobID string, fn func(*domain.JobRecord) error) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	working := entry.record
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	entry.record = working

	clone := working
	return &clone, nil
}

func (s *MemoryStore) ListUserJobs(_ context.Context, userID string, limit int) ([]*domain.JobRecord, error) {
	if limit <= 0 || limit > userIndexCap {
		limit = userIndexCap
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*domain.JobRecord
	for _, id := range s.userJobs[userID] {
		if len(records) >= limit {
			break
		}
		if entry, ok := s.liveLocked(id); ok {
			clone := entry.record
			records = append(records, &clone)
		}
	}
	return records, nil
}

func (s *MemoryStore) IncrActive(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[userID]++
	return s.active[userID], nil
}

func (s *MemoryStore) DecrActive(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[userID] > 0 {
		s.active[userID]--
	}
	return s.active[userID], nil
}

func (s *MemoryStore) IncrCounter(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return nil
}

func (s *MemoryStore) Counters(_ context.Context, names ...string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[string]int64, len(names))
	for _, name := range names {
		counters[name] = s.counters[name]
	}
	return counters, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// liveLocked returns the record entry if present and not expired.
// Caller holds s.mu.
func (s *MemoryStore) liveLocked(jobID string) (*memoryRecord, bool) {
	entry, ok := s.records[jobID]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.records, jobID)
		return nil, false
	}
	return entry, true
}
