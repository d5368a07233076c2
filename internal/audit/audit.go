// Package audit records compliance-relevant job and security events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Event kinds recorded by the job subsystem.
const (
	KindJobEnqueued       = "job_enqueued"
	KindJobCancelled      = "job_cancelled"
	KindJobTimedOut       = "job_timed_out"
	KindSecurityRejection = "security_rejection"
)

// Event is one audit entry.
type Event struct {
	ID        string            `db:"event_id"`
	Kind      string            `db:"kind"`
	JobID     string            `db:"job_id"`
	UserID    string            `db:"user_id"`
	Detail    map[string]string `db:"-"`
	CreatedAt time.Time         `db:"created_at"`
}

// Recorder persists audit events. Recording is best-effort from the
// caller's perspective: failures are logged, never propagated into the
// request path.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// PostgresRecorder writes audit events to the audit_events table.
type PostgresRecorder struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresRecorder creates a Postgres-backed recorder.
func NewPostgresRecorder(db *sqlx.DB, logger *slog.Logger) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: logger}
}

func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var detail []byte
	if event.Detail != nil {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			event_id, kind, job_id, user_id, detail, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Kind,
		event.JobID,
		event.UserID,
		detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}

	r.logger.Debug("Audit event recorded",
		slog.String("kind", event.Kind),
		slog.String("job_id", event.JobID),
	)
	return nil
}

// MemoryRecorder collects events in memory; used in tests and as the sink
// when no audit database is configured.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
