package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/trannm/ingest-be/internal/audit"
	"github.com/trannm/ingest-be/internal/jobs/domain"
	"github.com/trannm/ingest-be/internal/jobs/queue"
	"github.com/trannm/ingest-be/internal/jobs/store"
)

// Publisher delivers progress messages to subscribed clients. Delivery is
// best-effort and at-most-once per connection.
type Publisher interface {
	Publish(ctx context.Context, msg domain.ProgressMessage)
}

// NopPublisher discards all messages.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.ProgressMessage) {}

// ManagerConfig bounds manager behavior.
type ManagerConfig struct {
	// MaxActivePerUser caps a user's jobs in {QUEUED, STARTED, PROCESSING}.
	MaxActivePerUser int
	// DefaultMaxRetries applies when the enqueue request does not set one.
	DefaultMaxRetries int
	// DefaultTimeout is the per-job wall-clock budget.
	DefaultTimeout time.Duration
}

// Manager owns the job state machine. It is the only component that writes
// records outside of a worker's single-writer window (cancellation and
// timeout), and every worker write funnels through it.
type Manager struct {
	store     store.Store
	queue     queue.Queue
	publisher Publisher
	audit     audit.Recorder
	logger    *slog.Logger
	cfg       ManagerConfig
}

// NewManager wires the manager onto its store, queue, publisher and audit sink.
func NewManager(st store.Store, q queue.Queue, pub Publisher, rec audit.Recorder, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if pub == nil {
		pub = NopPublisher{}
	}
	if cfg.MaxActivePerUser <= 0 {
		cfg.MaxActivePerUser = 5
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	return &Manager{
		store:     st,
		queue:     q,
		publisher: pub,
		audit:     rec,
		logger:    logger,
		cfg:       cfg,
	}
}

// EnqueueRequest carries everything needed to admit a new job.
type EnqueueRequest struct {
	UserID         string
	JobType        string
	PayloadRef     string
	Priority       domain.Priority
	Topic          string
	MaxRetries     *int
	TimeoutSeconds int
}

// Enqueue admits a job: enforces the per-user concurrency limit, writes the
// initial record, and pushes a task reference onto the priority lane.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.JobRecord, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.JobType == "" {
		return nil, fmt.Errorf("job_type is required")
	}

	// Reserve a concurrency slot first; the atomic increment makes the
	// limit check race-free across concurrent enqueues.
	active, err := m.store.IncrActive(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job slot: %w", err)
	}
	if active > int64(m.cfg.MaxActivePerUser) {
		if _, derr := m.store.DecrActive(ctx, req.UserID); derr != nil {
			m.logger.Error("Failed to release job slot after limit rejection",
				slog.String("user_id", req.UserID),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: user %s has %d active jobs (limit %d)",
			domain.ErrCapacityExceeded, req.UserID, active-1, m.cfg.MaxActivePerUser)
	}

	now := time.Now().UTC()
	record := &domain.JobRecord{
		JobID:          uuid.New().String(),
		JobType:        req.JobType,
		State:          domain.JobStateQueued,
		Priority:       req.Priority,
		OwnerUserID:    req.UserID,
		PayloadRef:     req.PayloadRef,
		MaxRetries:     m.cfg.DefaultMaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if record.Priority == "" {
		record.Priority = domain.PriorityNormal
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		record.MaxRetries = *req.MaxRetries
	}
	if record.TimeoutSeconds <= 0 {
		record.TimeoutSeconds = int(m.cfg.DefaultTimeout.Seconds())
	}

	// The topic defaults to the payload's content digest, so identical
	// uploads share one subscription topic.
	record.Topic = req.Topic
	if record.Topic == "" {
		record.Topic = req.PayloadRef
	}
	if record.Topic == "" {
		record.Topic = record.JobID
	}

	release := func() {
		if _, derr := m.store.DecrActive(ctx, req.UserID); derr != nil {
			m.logger.Error("Failed to release job slot",
				slog.String("user_id", req.UserID),
				slog.String("error", derr.Error()),
			)
		}
	}

	if err := m.store.Create(ctx, record); err != nil {
		release()
		return nil, fmt.Errorf("failed to persist job record: %w", err)
	}

	if err := m.queue.Push(ctx, domain.Task{JobID: record.JobID, Priority: record.Priority}); err != nil {
		release()
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	m.count(ctx, store.CounterEnqueued)
	m.recordAudit(ctx, audit.Event{
		Kind:   audit.KindJobEnqueued,
		JobID:  record.JobID,
		UserID: req.UserID,
		Detail: map[string]string{
			"job_type": req.JobType,
			"priority": string(record.Priority),
			"topic":    record.Topic,
		},
	})

	m.logger.Info("Job enqueued",
		slog.String("job_id", record.JobID),
		slog.String("user_id", req.UserID),
		slog.String("job_type", req.JobType),
		slog.String("priority", string(record.Priority)),
	)
	return record, nil
}

// GetStatus returns the record, or domain.ErrJobNotFound. Callers must
// verify ownership before exposing details.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return m.store.Get(ctx, jobID)
}

// GetUserJobs lists a user's jobs most-recent-first, capped at limit.
func (m *Manager) GetUserJobs(ctx context.Context, userID string, limit int) ([]*domain.JobRecord, error) {
	return m.store.ListUserJobs(ctx, userID, limit)
}

var (
	errNotOwner       = errors.New("job not owned by caller")
	errNotCancellable = errors.New("job not in a cancellable state")
)

// Cancel requests cooperative cancellation. It fails closed: only the owner
// may cancel, only active jobs can be cancelled, and a repeated cancel
// returns false with no further state change.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) bool {
	var wasQueued bool
	var priority domain.Priority

	updated, err := m.store.Mutate(ctx, jobID, func(record *domain.JobRecord) error {
		if record.OwnerUserID != userID {
			return errNotOwner
		}
		if !record.State.IsActive() {
			return errNotCancellable
		}
		wasQueued = record.State == domain.JobStateQueued
		priority = record.Priority

		now := time.Now().UTC()
		record.CancelRequested = true
		record.State = domain.JobStateCancelled
		record.Message = "job cancelled by owner"
		record.CompletedAt = &now
		record.Sequence++
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotOwner) && !errors.Is(err, errNotCancellable) && !errors.Is(err, domain.ErrJobNotFound) {
			m.logger.Error("Cancel failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	// Best-effort removal; a task already handed to a worker is skipped by
	// the worker when it sees the terminal record.
	if wasQueued {
		if _, rerr := m.queue.Remove(ctx, jobID, priority); rerr != nil {
			m.logger.Warn("Failed to remove cancelled task from queue",
				slog.String("job_id", jobID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	m.releaseSlot(ctx, updated.OwnerUserID)
	m.count(ctx, store.CounterCancelled)
	m.recordAudit(ctx, audit.Event{
		Kind:   audit.KindJobCancelled,
		JobID:  jobID,
		UserID: userID,
	})
	m.publishRecord(ctx, updated, domain.MessageTypeCompletion)

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)
	return true
}

// ProgressUpdate is one worker checkpoint.
type ProgressUpdate struct {
	State      domain.JobState
	Percentage float64
	Stage      domain.Stage
	Message    string
	Details    map[string]string
}

// UpdateProgress applies a worker checkpoint: validates the state
// transition, clamps the percentage, enforces monotonic non-decrease while
// PROCESSING, persists, and forwards the update to the publisher keyed by
// the job's topic. Returns domain.ErrJobFinished if the record already
// reached a terminal state (cancelled or timed out underneath the worker).
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	var from domain.JobState

	updated, err := m.store.Mutate(ctx, jobID, func(record *domain.JobRecord) error {
		if record.State.IsTerminal() {
			return domain.ErrJobFinished
		}
		from = record.State

		if update.State != record.State && !domain.CanTransition(record.State, update.State) {
			return fmt.Errorf("invalid transition %s -> %s", record.State, update.State)
		}

		pct := update.Percentage
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		// Progress never decreases within a PROCESSING run; it may reset
		// at the start of a retry cycle.
		if record.State == domain.JobStateProcessing && update.State == domain.JobStateProcessing && pct < record.Progress {
			pct = record.Progress
		}

		now := time.Now().UTC()
		record.State = update.State
		record.Progress = pct
		record.CurrentStep = string(update.Stage)
		record.Message = update.Message
		if update.Details != nil {
			record.Details = update.Details
		}
		if update.State == domain.JobStateStarted && record.StartedAt == nil {
			record.StartedAt = &now
		}
		if update.State.IsTerminal() {
			record.CompletedAt = &now
		}
		record.Sequence++
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case updated.State == domain.JobStateStarted && from != domain.JobStateStarted:
		m.count(ctx, store.CounterStarted)
	case updated.State == domain.JobStateCompleted:
		m.count(ctx, store.CounterCompleted)
	}

	msgType := domain.MessageTypeProgress
	if updated.State == domain.JobStateCompleted {
		msgType = domain.MessageTypeCompletion
	}
	if updated.State.IsTerminal() {
		m.releaseSlot(ctx, updated.OwnerUserID)
	}
	m.publishRecord(ctx, updated, msgType)
	return nil
}

// Fail records a stage failure. Transient failures with retry budget left
// transition the job to RETRYING and report retrying=true; everything else
// is terminal FAILED with a sanitized error and a correlation id linking to
// the full internal log entry.
func (m *Manager) Fail(ctx context.Context, jobID string, stage domain.Stage, cause error) (retrying bool, err error) {
	kind := domain.Classify(cause)
	correlationID := uuid.New().String()

	// Full detail stays in internal logs only.
	m.logger.Error("Job stage failed",
		slog.String("job_id", jobID),
		slog.String("stage", string(stage)),
		slog.String("kind", string(kind)),
		slog.String("correlation_id", correlationID),
		slog.String("error", cause.Error()),
	)

	updated, err := m.store.Mutate(ctx, jobID, func(record *domain.JobRecord) error {
		if record.State.IsTerminal() {
			return domain.ErrJobFinished
		}

		if kind == domain.FailureTransient && record.RetryCount < record.MaxRetries {
			retrying = true
			record.State = domain.JobStateRetrying
			record.RetryCount++
			record.CurrentStep = string(stage)
			record.Message = fmt.Sprintf("transient failure, retry %d of %d scheduled", record.RetryCount, record.MaxRetries)
			record.Sequence++
			return nil
		}

		retrying = false
		now := time.Now().UTC()
		record.State = domain.JobStateFailed
		record.CurrentStep = string(stage)
		record.Message = "job failed"
		record.Error = &domain.ErrorInfo{
			Code:          string(kind),
			Message:       userFacingFailure(kind),
			CorrelationID: correlationID,
		}
		record.CompletedAt = &now
		record.Sequence++
		return nil
	})
	if err != nil {
		return false, err
	}

	if retrying {
		m.count(ctx, store.CounterRetried)
		m.publishRecord(ctx, updated, domain.MessageTypeProgress)
		return true, nil
	}

	m.count(ctx, store.CounterFailed)
	if kind == domain.FailureTimeout {
		m.count(ctx, store.CounterTimedOut)
	}
	m.releaseSlot(ctx, updated.OwnerUserID)

	if kind == domain.FailureSecurity {
		m.recordAudit(ctx, audit.Event{
			Kind:   audit.KindSecurityRejection,
			JobID:  jobID,
			UserID: updated.OwnerUserID,
			Detail: map[string]string{
				"stage":          string(stage),
				"correlation_id": correlationID,
			},
		})
	}

	m.publishRecord(ctx, updated, domain.MessageTypeError)
	return false, nil
}

// ForceTimeout transitions a job to FAILED(timeout) regardless of worker
// progress. A job that already finished is left untouched.
func (m *Manager) ForceTimeout(ctx context.Context, jobID string) {
	cause := domain.NewStageError("", domain.FailureTimeout, context.DeadlineExceeded)
	if _, err := m.Fail(ctx, jobID, "", cause); err != nil {
		if errors.Is(err, domain.ErrJobFinished) || errors.Is(err, domain.ErrJobNotFound) {
			return
		}
		m.logger.Error("Failed to time out job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.recordAudit(ctx, audit.Event{Kind: audit.KindJobTimedOut, JobID: jobID})
	m.logger.Warn("Job exceeded wall-clock budget",
		slog.String("job_id", jobID),
	)
}

// Requeue pushes a retrying job back onto its lane. The executor calls it
// after the backoff delay elapses.
func (m *Manager) Requeue(ctx context.Context, jobID string, priority domain.Priority) error {
	return m.queue.Push(ctx, domain.Task{JobID: jobID, Priority: priority})
}

// Stats aggregates per-lane depths, lifecycle counters, and a resource
// snapshot.
type Stats struct {
	Lanes     map[domain.Priority]int64 `json:"lanes"`
	Counters  map[string]int64          `json:"counters"`
	Resources ResourceSnapshot          `json:"resources"`
}

// ResourceSnapshot is a point-in-time view of process resources.
type ResourceSnapshot struct {
	Goroutines int    `json:"goroutines"`
	HeapInUse  uint64 `json:"heap_in_use_bytes"`
	NumCPU     int    `json:"num_cpu"`
	Timestamp  int64  `json:"timestamp"`
}

// GetQueueStats returns the read-only aggregation across lanes.
func (m *Manager) GetQueueStats(ctx context.Context) (*Stats, error) {
	depths, err := m.queue.Depths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read lane depths: %w", err)
	}
	counters, err := m.store.Counters(ctx, store.StatCounters...)
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &Stats{
		Lanes:    depths,
		Counters: counters,
		Resources: ResourceSnapshot{
			Goroutines: runtime.NumGoroutine(),
			HeapInUse:  mem.HeapInuse,
			NumCPU:     runtime.NumCPU(),
			Timestamp:  time.Now().Unix(),
		},
	}, nil
}

// publishRecord forwards the record's current state to the publisher keyed
// by the job's topic.
func (m *Manager) publishRecord(ctx context.Context, record *domain.JobRecord, msgType domain.MessageType) {
	msg := domain.ProgressMessage{
		Type:      msgType,
		Topic:     record.Topic,
		JobID:     record.JobID,
		Progress:  record.Progress,
		Status:    record.State,
		Stage:     record.CurrentStep,
		Message:   record.Message,
		Details:   record.Details,
		Sequence:  record.Sequence,
		Timestamp: time.Now().UTC(),
	}
	if record.Error != nil {
		msg.Error = record.Error
		msg.CorrelationID = record.Error.CorrelationID
	}
	m.publisher.Publish(ctx, msg)
}

func (m *Manager) releaseSlot(ctx context.Context, userID string) {
	if _, err := m.store.DecrActive(ctx, userID); err != nil {
		m.logger.Error("Failed to release job slot",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) count(ctx context.Context, name string) {
	if err := m.store.IncrCounter(ctx, name); err != nil {
		m.logger.Warn("Failed to bump lifecycle counter",
			slog.String("counter", name),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) recordAudit(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, event); err != nil {
		m.logger.Error("Failed to record audit event",
			slog.String("kind", event.Kind),
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// userFacingFailure maps a failure kind onto the generic message exposed to
// clients; internal detail is reachable only via the correlation id.
func userFacingFailure(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureValidation:
		return "the uploaded file failed validation"
	case domain.FailureSecurity:
		return "the uploaded file was rejected by security scanning"
	case domain.FailureTimeout:
		return "processing exceeded the allowed time"
	default:
		return "an internal error occurred while processing the file"
	}
}
