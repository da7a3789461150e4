package history

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewPostgresService(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return base }
	return svc, mock
}

func skeletonRow(status string, events string) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		"job-1", "semantic-insights", "analysis", nil, nil, status,
		0, 1, nil, nil, nil, nil,
		nil, nil, []byte(events), base, base,
	)
}

func TestPostgresService_RecordQueued_NewRecord(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_executions (job_id,job_name,queue_name,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (job_id) DO NOTHING")).
		WithArgs("job-1", "semantic-insights", "analysis", "queued", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM job_executions WHERE job_id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(skeletonRow("queued", "[]"))
	mock.ExpectExec(`UPDATE job_executions SET (.+) WHERE job_id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.RecordQueued(context.Background(), queued("job-1", "p1", 0))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_RecordQueued_DuplicateSkipsUpdate(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM job_executions WHERE job_id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(skeletonRow("queued", `[{"status":"queued","attempt":0,"at":"2024-05-01T12:00:00Z"}]`))
	mock.ExpectCommit()

	err := svc.RecordQueued(context.Background(), queued("job-1", "p1", time.Second))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_RecordTransition_RollsBackOnError(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_executions").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := svc.RecordTransition(context.Background(), step("job-1", domain.StatusProcessing, 1, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetExecution(t *testing.T) {
	svc, mock := newMockService(t)

	t.Run("Found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM job_executions WHERE job_id = $1")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				"job-1", "semantic-insights", "analysis", "p1", "f1", "completed",
				1, 3, []byte(`{"projectId":"p1"}`), nil, base, base.Add(2*time.Second),
				int64(2000), nil, []byte(`[{"status":"completed","attempt":1,"at":"2024-05-01T12:00:02Z"}]`), base, base,
			))

		rec, err := svc.GetExecution(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, rec.Status)
		assert.Equal(t, "p1", rec.ProjectID)
		assert.Equal(t, int64(2000), *rec.DurationMs)
		assert.Nil(t, rec.LastError)
		require.Len(t, rec.Events, 1)
		assert.Equal(t, 1, rec.Events[0].Attempt)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM job_executions WHERE job_id = $1")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(columns))

		_, err := svc.GetExecution(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetProjectHistory_ClampsLimit(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM job_executions WHERE project_id = $1 ORDER BY created_at DESC, job_id DESC LIMIT 100")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("job-2", "semantic-insights", "analysis", "p1", nil, "queued", 0, 3, nil, nil, nil, nil, nil, nil, []byte("[]"), base.Add(time.Second), base.Add(time.Second)).
			AddRow("job-1", "semantic-insights", "analysis", "p1", nil, "failed", 1, 3, nil, nil, base, nil, int64(10), "boom", []byte("[]"), base, base))

	records, err := svc.GetProjectHistory(context.Background(), "p1", 500)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "job-2", records[0].JobID)
	require.NotNil(t, records[1].LastError)
	assert.Equal(t, "boom", *records[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetRecentExecutions(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM job_executions ORDER BY created_at DESC, job_id DESC LIMIT 20")).
		WillReturnRows(sqlmock.NewRows(columns))

	records, err := svc.GetRecentExecutions(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetSummary(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS jobs, (.+) FROM job_executions WHERE queue_name = \$1 AND updated_at >= \$2`).
		WithArgs("analysis", base.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"jobs", "failures", "avg_duration_ms"}).AddRow(12, 2, 1534.5))

	summary, err := svc.GetSummary(context.Background(), "analysis", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, &domain.JobSummary{
		QueueName:     "analysis",
		WindowMs:      3600000,
		Jobs:          12,
		Failures:      2,
		AvgDurationMs: 1534.5,
	}, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}
