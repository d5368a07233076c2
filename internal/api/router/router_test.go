package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trannm/ingest-be/internal/api/dto"
	"github.com/trannm/ingest-be/internal/api/handler"
	"github.com/trannm/ingest-be/internal/audit"
	"github.com/trannm/ingest-be/internal/blob"
	"github.com/trannm/ingest-be/internal/jobs"
	"github.com/trannm/ingest-be/internal/jobs/queue"
	"github.com/trannm/ingest-be/internal/jobs/store"
	"github.com/trannm/ingest-be/internal/realtime"
)

type apiFixture struct {
	engine  *gin.Engine
	manager *jobs.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tokens, err := realtime.NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)

	manager := jobs.NewManager(
		store.NewMemoryStore(time.Hour),
		queue.NewMemoryQueue(),
		jobs.NopPublisher{},
		audit.NewMemoryRecorder(),
		logger,
		jobs.ManagerConfig{MaxActivePerUser: 2},
	)

	engine := SetupRouter(&handler.Dependencies{
		Logger:  logger,
		Manager: manager,
		Blobs:   blobs,
		Tokens:  tokens,
		Conns:   realtime.NewConnManager(tokens, logger, realtime.ConnManagerConfig{}),
		HealthChecks: map[string]func() error{
			"store": func() error { return nil },
		},
	})

	return &apiFixture{engine: engine, manager: manager}
}

func (f *apiFixture) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createJob(t *testing.T, userID string) dto.JobDTO {
	t.Helper()
	w := f.do(http.MethodPost, "/api/v1/jobs", userID, dto.CreateJobRequest{
		JobType: "file_ingest",
		Payload: base64.StdEncoding.EncodeToString([]byte("line one\nline two\n")),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func TestCreateJob(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("creates and queues a job", func(t *testing.T) {
		job := f.createJob(t, "user-1")
		assert.NotEmpty(t, job.JobID)
		assert.Equal(t, "QUEUED", job.State)
		assert.Equal(t, "normal", job.Priority)
		assert.NotEmpty(t, job.PayloadRef)
		assert.Equal(t, job.PayloadRef, job.Topic)
	})

	t.Run("requires caller identity", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/v1/jobs", "", dto.CreateJobRequest{JobType: "file_ingest"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects missing payload", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/v1/jobs", "user-1", dto.CreateJobRequest{JobType: "file_ingest"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects non-base64 payload", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/v1/jobs", "user-1", dto.CreateJobRequest{
			JobType: "file_ingest",
			Payload: "!!! not base64 !!!",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("enforces the active job limit", func(t *testing.T) {
		f := newAPIFixture(t)
		f.createJob(t, "user-2")
		f.createJob(t, "user-2")

		w := f.do(http.MethodPost, "/api/v1/jobs", "user-2", dto.CreateJobRequest{
			JobType: "file_ingest",
			Payload: base64.StdEncoding.EncodeToString([]byte("over the limit")),
		})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t)
	job := f.createJob(t, "user-1")

	t.Run("owner reads status", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+job.JobID, "user-1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got dto.JobDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, job.JobID, got.JobID)
	})

	t.Run("non-owner sees not found", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+job.JobID, "user-2", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/nope", "user-1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t)
	f.createJob(t, "user-1")
	f.createJob(t, "user-1")

	w := f.do(http.MethodGet, "/api/v1/jobs", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)

	// State filtering.
	w = f.do(http.MethodGet, "/api/v1/jobs?state=COMPLETED", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)

	// Another user sees nothing.
	w = f.do(http.MethodGet, "/api/v1/jobs", "user-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	job := f.createJob(t, "user-1")

	t.Run("owner cancels", func(t *testing.T) {
		w := f.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", job.JobID), "user-1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		record, err := f.manager.GetStatus(context.Background(), job.JobID)
		require.NoError(t, err)
		assert.Equal(t, "CANCELLED", string(record.State))
	})

	t.Run("repeat cancel conflicts", func(t *testing.T) {
		w := f.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", job.JobID), "user-1", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("non-owner cannot cancel", func(t *testing.T) {
		other := f.createJob(t, "user-1")
		w := f.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", other.JobID), "user-2", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestGetStats(t *testing.T) {
	f := newAPIFixture(t)
	f.createJob(t, "user-1")

	w := f.do(http.MethodGet, "/api/v1/jobs/stats", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Lanes["normal"])
	assert.Greater(t, stats.Resources.Goroutines, 0)
}

func TestIssueToken(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("mints a token for the caller", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/v1/realtime/token", "user-1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.TokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Greater(t, resp.ExpiresIn, 0)
	})

	t.Run("requires caller identity", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/v1/realtime/token", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
