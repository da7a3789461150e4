package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PostgresService stores execution records in the job_executions table
type PostgresService struct {
	db     *sqlx.DB
	psql   sq.StatementBuilderType
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgresService creates a Postgres-backed history service
func NewPostgresService(db *sqlx.DB, logger *slog.Logger) *PostgresService {
	return &PostgresService{
		db:     db,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:    time.Now,
		logger: logger,
	}
}

// RecordQueued writes the queued (or waiting) state of a freshly enqueued or requeued job
func (s *PostgresService) RecordQueued(ctx context.Context, t Transition) error {
	return s.record(ctx, normalizeQueued(t, s.now))
}

// RecordTransition folds a lifecycle change into the job's record
func (s *PostgresService) RecordTransition(ctx context.Context, t Transition) error {
	return s.record(ctx, normalize(t, s.now))
}

// record serializes writers of one job with a row lock: the row is created if
// missing, locked, merged in memory and written back.
func (s *PostgresService) record(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query, args, err := s.psql.
		Insert(tableName).
		Columns("job_id", "job_name", "queue_name", "status", "created_at", "updated_at").
		Values(t.JobID, t.JobName, t.QueueName, string(t.Status), t.At, t.At).
		Suffix("ON CONFLICT (job_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}

	query, args, err = s.psql.
		Select(columns...).
		From(tableName).
		Where(sq.Eq{"job_id": t.JobID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build select: %w", err)
	}

	var row executionRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		return fmt.Errorf("failed to lock execution record: %w", err)
	}

	rec, err := row.toDomain()
	if err != nil {
		return err
	}

	if !applyTransition(rec, t) {
		s.logger.Debug("Duplicate job transition ignored",
			slog.String("job_id", t.JobID),
			slog.String("status", string(t.Status)),
			slog.Int("attempt", t.Attempt),
		)
		return tx.Commit()
	}

	values, err := rowValues(rec)
	if err != nil {
		return err
	}
	query, args, err = s.psql.
		Update(tableName).
		SetMap(values).
		Where(sq.Eq{"job_id": t.JobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution record: %w", err)
	}
	return nil
}

// GetExecution returns the record of jobID
func (s *PostgresService) GetExecution(ctx context.Context, jobID string) (*domain.JobExecutionRecord, error) {
	query, args, err := s.psql.
		Select(columns...).
		From(tableName).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var row executionRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return row.toDomain()
}

// GetProjectHistory returns the newest records of a project
func (s *PostgresService) GetProjectHistory(ctx context.Context, projectID string, limit int) ([]domain.JobExecutionRecord, error) {
	return s.list(ctx, sq.Eq{"project_id": projectID}, limit)
}

// GetRecentExecutions returns the newest records across all projects
func (s *PostgresService) GetRecentExecutions(ctx context.Context, limit int) ([]domain.JobExecutionRecord, error) {
	return s.list(ctx, nil, limit)
}

func (s *PostgresService) list(ctx context.Context, where sq.Sqlizer, limit int) ([]domain.JobExecutionRecord, error) {
	builder := s.psql.
		Select(columns...).
		From(tableName).
		OrderBy("created_at DESC", "job_id DESC").
		Limit(uint64(ClampLimit(limit)))
	if where != nil {
		builder = builder.Where(where)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}

	records := make([]domain.JobExecutionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// GetSummary aggregates records of queue updated within the trailing window
func (s *PostgresService) GetSummary(ctx context.Context, queue string, window time.Duration) (*domain.JobSummary, error) {
	since := s.now().Add(-window).UTC()

	query, args, err := s.psql.
		Select(
			"COUNT(*) AS jobs",
			"COUNT(*) FILTER (WHERE status IN ('failed', 'dead-lettered')) AS failures",
			"COALESCE(AVG(duration_ms) FILTER (WHERE status = 'completed'), 0) AS avg_duration_ms",
		).
		From(tableName).
		Where(sq.Eq{"queue_name": queue}).
		Where(sq.GtOrEq{"updated_at": since}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build summary query: %w", err)
	}

	var row summaryRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get job summary: %w", err)
	}

	return &domain.JobSummary{
		QueueName:     queue,
		WindowMs:      window.Milliseconds(),
		Jobs:          row.Jobs,
		Failures:      row.Failures,
		AvgDurationMs: row.AvgDurationMs,
	}, nil
}
