package dto

import (
	"encoding/json"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

type CreateJobRequest struct {
	JobName     string          `json:"jobName" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	DelayMs     int64           `json:"delayMs" binding:"gte=0,lte=31536000000"`
	MaxAttempts int             `json:"maxAttempts" binding:"gte=0"`
}

type CreateJobResponse struct {
	JobID     string        `json:"jobId"`
	JobName   string        `json:"jobName"`
	QueueName string        `json:"queueName"`
	Status    domain.Status `json:"status"`
}

type HistoryRequest struct {
	Limit int `form:"limit"`
}

type HistoryResponse struct {
	Executions []domain.JobExecutionRecord `json:"executions"`
}

type SummaryRequest struct {
	Queue    string `form:"queue"`
	WindowMs int64  `form:"windowMs" binding:"gte=0,lte=31536000000"`
}

type DeadLettersResponse struct {
	DeadLetters []domain.DeadLetterEntry `json:"deadLetters"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error         ErrorBody `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
