package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	metricsContentType = "text/plain; version=0.0.4; charset=utf-8"
	healthCheckTimeout = 2 * time.Second
)

// Metrics handles GET /metrics
func (h *OpsHandler) Metrics(c *gin.Context) {
	body, err := h.metrics.Snapshot()
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to render metrics", slog.Any("error", err))
		writeError(c, http.StatusInternalServerError, CodeInternal, internalErrMessage)
		return
	}
	c.Data(http.StatusOK, metricsContentType, []byte(body))
}

// Health handles GET /health
// Runs every registered dependency check and answers 503 if any fails
func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(gin.H, len(h.checks))

	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "Health check failed",
				slog.String("check", name),
				slog.Any("error", err),
			)
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":  status,
		"service": h.serviceName,
		"checks":  checks,
	})
}
