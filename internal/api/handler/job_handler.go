package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-pipeline/internal/api/dto"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/sse"
)

const defaultSummaryWindow = time.Hour

// CreateJob handles POST /api/v1/jobs
// Enqueues a job on the primary queue and returns its handle
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(c.Request.Context(), "Invalid request body", slog.Any("error", err))
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload := req.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = json.RawMessage("{}")
	}

	handle, err := h.queue.Enqueue(c.Request.Context(), req.JobName, payload, domain.EnqueueOptions{
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to enqueue job", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:     handle.JobID,
		JobName:   handle.JobName,
		QueueName: handle.QueueName,
		Status:    handle.Status,
	})
}

// GetJobCounts handles GET /api/v1/jobs/counts
func (h *JobHandler) GetJobCounts(c *gin.Context) {
	counts, err := h.queue.GetJobCounts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to read job counts", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the execution record kept by the history service
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "job_id is required")
		return
	}

	record, err := h.history.GetExecution(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetProjectHistory handles GET /api/v1/projects/:project_id/jobs/history
func (h *JobHandler) GetProjectHistory(c *gin.Context) {
	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid query: "+err.Error())
		return
	}

	records, err := h.history.GetProjectHistory(c.Request.Context(), c.Param("project_id"), req.Limit)
	if err != nil {
		respondError(c, h.logger, "Failed to get project history", err)
		return
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{Executions: nonNil(records)})
}

// GetRecentHistory handles GET /api/v1/jobs/history
func (h *JobHandler) GetRecentHistory(c *gin.Context) {
	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid query: "+err.Error())
		return
	}

	records, err := h.history.GetRecentExecutions(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, h.logger, "Failed to get recent history", err)
		return
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{Executions: nonNil(records)})
}

// GetSummary handles GET /api/v1/jobs/summary
// Defaults to the primary queue over the last hour
func (h *JobHandler) GetSummary(c *gin.Context) {
	var req dto.SummaryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid query: "+err.Error())
		return
	}

	queueName := req.Queue
	if queueName == "" {
		queueName = h.queue.Name()
	}
	window := defaultSummaryWindow
	if req.WindowMs > 0 {
		window = time.Duration(req.WindowMs) * time.Millisecond
	}

	summary, err := h.history.GetSummary(c.Request.Context(), queueName, window)
	if err != nil {
		respondError(c, h.logger, "Failed to get job summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// StreamAll handles GET /api/v1/jobs/events
func (h *JobHandler) StreamAll(c *gin.Context) {
	h.stream.Stream(c.Writer, c.Request, sse.Scope{})
}

// StreamProject handles GET /api/v1/projects/:project_id/jobs/events
func (h *JobHandler) StreamProject(c *gin.Context) {
	h.stream.Stream(c.Writer, c.Request, sse.Scope{ProjectID: c.Param("project_id")})
}

func nonNil(records []domain.JobExecutionRecord) []domain.JobExecutionRecord {
	if records == nil {
		return []domain.JobExecutionRecord{}
	}
	return records
}
