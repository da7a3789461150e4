package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

const tableName = "job_executions"

var columns = []string{
	"job_id", "job_name", "queue_name", "project_id", "file_id", "status",
	"attempts", "max_attempts", "data", "retry_at", "started_at", "completed_at",
	"duration_ms", "last_error", "events", "created_at", "updated_at",
}

type executionRow struct {
	JobID       string         `db:"job_id"`
	JobName     string         `db:"job_name"`
	QueueName   string         `db:"queue_name"`
	ProjectID   sql.NullString `db:"project_id"`
	FileID      sql.NullString `db:"file_id"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	Data        []byte         `db:"data"`
	RetryAt     sql.NullTime   `db:"retry_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	DurationMs  sql.NullInt64  `db:"duration_ms"`
	LastError   sql.NullString `db:"last_error"`
	Events      []byte         `db:"events"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

type summaryRow struct {
	Jobs          int     `db:"jobs"`
	Failures      int     `db:"failures"`
	AvgDurationMs float64 `db:"avg_duration_ms"`
}

func (r *executionRow) toDomain() (*domain.JobExecutionRecord, error) {
	rec := &domain.JobExecutionRecord{
		JobID:       r.JobID,
		JobName:     r.JobName,
		QueueName:   r.QueueName,
		ProjectID:   r.ProjectID.String,
		FileID:      r.FileID.String,
		Status:      domain.Status(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RetryAt:     timePtr(r.RetryAt),
		StartedAt:   timePtr(r.StartedAt),
		CompletedAt: timePtr(r.CompletedAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Events:      []domain.ExecutionEvent{},
	}
	if len(r.Data) > 0 {
		rec.Data = json.RawMessage(r.Data)
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		rec.DurationMs = &d
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		rec.LastError = &msg
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &rec.Events); err != nil {
			return nil, fmt.Errorf("failed to decode events of job %s: %w", r.JobID, err)
		}
	}
	return rec, nil
}

// rowValues returns the column values written by an update of rec.
// JSON columns are passed as text so the driver does not encode them as bytea.
func rowValues(rec *domain.JobExecutionRecord) (map[string]interface{}, error) {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}

	var data interface{}
	if len(rec.Data) > 0 {
		data = string(rec.Data)
	}

	return map[string]interface{}{
		"job_name":     rec.JobName,
		"queue_name":   rec.QueueName,
		"project_id":   nullString(rec.ProjectID),
		"file_id":      nullString(rec.FileID),
		"status":       string(rec.Status),
		"attempts":     rec.Attempts,
		"max_attempts": rec.MaxAttempts,
		"data":         data,
		"retry_at":     rec.RetryAt,
		"started_at":   rec.StartedAt,
		"completed_at": rec.CompletedAt,
		"duration_ms":  rec.DurationMs,
		"last_error":   rec.LastError,
		"events":       string(events),
		"updated_at":   rec.UpdatedAt,
	}, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
