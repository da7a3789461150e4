package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-pipeline/internal/api/dto"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

// Requeue handles POST /api/v1/admin/jobs/:job_id/requeue
// Moves a failed job back onto the primary queue
func (h *AdminHandler) Requeue(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "job_id is required")
		return
	}

	result, err := h.coordinator.Requeue(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to requeue job", err)
		return
	}

	h.logger.InfoContext(c.Request.Context(), "Job requeued by operator",
		slog.String("job_id", jobID),
		slog.String("source", result.Source),
		slog.String("new_job_id", result.NewJobID),
	)
	c.JSON(http.StatusOK, result)
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid query: "+err.Error())
		return
	}

	entries, err := h.coordinator.ListDeadLetters(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, h.logger, "Failed to list dead letters", err)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	c.JSON(http.StatusOK, dto.DeadLettersResponse{DeadLetters: entries})
}
