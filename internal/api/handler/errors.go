package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-pipeline/internal/api/dto"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/shared/logger"
)

const (
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnprocessable  = "unprocessable_entity"
	CodeInternal       = "internal_error"
	CodeUnavailable    = "service_unavailable"
	internalErrMessage = "internal server error"
)

// statusFor maps domain errors onto HTTP status codes and error codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrJobNotRetryable):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrMalformedDeadLetter):
		return http.StatusUnprocessableEntity, CodeUnprocessable
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrInvalidOptions):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:         dto.ErrorBody{Code: code, Message: message},
		CorrelationID: logger.CorrelationID(c.Request.Context()),
	})
}

// respondError logs err and writes the mapped error response. Internal
// failures never leak their message to the client.
func respondError(c *gin.Context, log *slog.Logger, msg string, err error) {
	status, code := statusFor(err)
	message := err.Error()

	if status >= http.StatusInternalServerError {
		log.ErrorContext(c.Request.Context(), msg, slog.Any("error", err))
		message = internalErrMessage
	} else {
		log.WarnContext(c.Request.Context(), msg, slog.Any("error", err))
	}

	_ = c.Error(err)
	writeError(c, status, code, message)
}
