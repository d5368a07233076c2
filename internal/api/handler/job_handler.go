package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trannm/ingest-be/internal/api/dto"
	"github.com/trannm/ingest-be/internal/jobs"
	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// userID extracts the caller identity set by the gateway.
func userID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

// CreateJob handles POST /api/v1/jobs
// Admits a new ingest job for background processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	payloadRef := req.PayloadRef
	if req.Payload != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "payload must be base64-encoded",
			})
			return
		}
		payloadRef, err = h.blobs.Put(c.Request.Context(), raw)
		if err != nil {
			h.logger.Error("Failed to store payload", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to store payload",
			})
			return
		}
	}
	if payloadRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "payload or payload_ref is required",
		})
		return
	}

	record, err := h.manager.Enqueue(c.Request.Context(), jobs.EnqueueRequest{
		UserID:         uid,
		JobType:        req.JobType,
		PayloadRef:     payloadRef,
		Priority:       domain.ParsePriority(req.Priority),
		Topic:          req.Topic,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "active job limit reached, retry after a job finishes",
			})
			return
		}
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, dto.FromRecord(record))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns job status; only the owner sees the record
func (h *JobHandler) GetJob(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	jobID := c.Param("job_id")
	record, err := h.manager.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// Non-owners get the same answer as a missing job.
	if record.OwnerUserID != uid {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromRecord(record))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, most recent first
func (h *JobHandler) ListJobs(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > 100 {
		req.Limit = 100
	}

	records, err := h.manager.GetUserJobs(c.Request.Context(), uid, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(records))}
	for _, record := range records {
		if req.State != "" && string(record.State) != req.State {
			continue
		}
		resp.Jobs = append(resp.Jobs, dto.FromRecord(record))
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cooperative cancellation of an active job
func (h *JobHandler) CancelJob(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	jobID := c.Param("job_id")
	if h.manager.Cancel(c.Request.Context(), jobID, uid) {
		c.JSON(http.StatusOK, gin.H{
			"job_id":    jobID,
			"cancelled": true,
		})
		return
	}

	// Not found, not owned, or already finished all look the same.
	c.JSON(http.StatusConflict, gin.H{
		"job_id":    jobID,
		"cancelled": false,
		"error":     "job is not cancellable",
	})
}

// GetStats handles GET /api/v1/jobs/stats
// Returns lane depths, lifecycle counters, and a resource snapshot
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.manager.GetQueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read queue stats",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// IssueToken handles POST /api/v1/realtime/token
// Mints a short-lived token binding a realtime connection to the caller
func (h *JobHandler) IssueToken(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	token, err := h.tokens.Issue(uid)
	if err != nil {
		h.logger.Error("Failed to issue token", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to issue token",
		})
		return
	}

	c.JSON(http.StatusOK, dto.TokenResponse{
		Token:     token,
		ExpiresIn: int(h.tokens.TTL().Seconds()),
	})
}
