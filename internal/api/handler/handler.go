package handler

import (
	"log/slog"

	"github.com/trannm/ingest-be/internal/blob"
	"github.com/trannm/ingest-be/internal/jobs"
	"github.com/trannm/ingest-be/internal/realtime"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Manager *jobs.Manager
	Blobs   blob.Store
	Tokens  *realtime.TokenIssuer
	Conns   *realtime.ConnManager

	// HealthChecks maps a component name to its liveness probe.
	HealthChecks map[string]func() error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	manager *jobs.Manager
	blobs   blob.Store
	tokens  *realtime.TokenIssuer
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		manager: deps.Manager,
		blobs:   deps.Blobs,
		tokens:  deps.Tokens,
	}
}
