package dto

import (
	"time"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

type CreateJobRequest struct {
	JobType string `json:"job_type" binding:"required"`
	// Payload carries the file bytes inline, base64-encoded. Alternatively
	// PayloadRef names a blob already uploaded.
	Payload        string `json:"payload"`
	PayloadRef     string `json:"payload_ref"`
	Priority       string `json:"priority"`
	Topic          string `json:"topic"`
	MaxRetries     *int   `json:"max_retries"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type ListJobsRequest struct {
	State string `form:"state"`
	Limit int    `form:"limit"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type JobDTO struct {
	JobID       string            `json:"job_id"`
	JobType     string            `json:"job_type"`
	State       string            `json:"state"`
	Priority    string            `json:"priority"`
	Topic       string            `json:"topic"`
	UserID      string            `json:"user_id"`
	PayloadRef  string            `json:"payload_ref,omitempty"`
	Progress    float64           `json:"progress_percentage"`
	CurrentStep string            `json:"current_step,omitempty"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Error       *domain.ErrorInfo `json:"error_info,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// FromRecord maps a job record onto its API representation.
func FromRecord(record *domain.JobRecord) JobDTO {
	dto := JobDTO{
		JobID:       record.JobID,
		JobType:     record.JobType,
		State:       string(record.State),
		Priority:    string(record.Priority),
		Topic:       record.Topic,
		UserID:      record.OwnerUserID,
		PayloadRef:  record.PayloadRef,
		Progress:    record.Progress,
		CurrentStep: record.CurrentStep,
		Message:     record.Message,
		Details:     record.Details,
		Error:       record.Error,
		RetryCount:  record.RetryCount,
		MaxRetries:  record.MaxRetries,
		CreatedAt:   record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   record.UpdatedAt.Format(time.RFC3339),
	}
	if record.StartedAt != nil {
		dto.StartedAt = record.StartedAt.Format(time.RFC3339)
	}
	if record.CompletedAt != nil {
		dto.CompletedAt = record.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in_seconds"`
}
