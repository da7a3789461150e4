package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "plain",
			config: Config{Host: "db", Port: 5432, User: "analysis", Password: "secret", Database: "analysis_db", SSLMode: "disable"},
			want:   "postgres://analysis:secret@db:5432/analysis_db?sslmode=disable",
		},
		{
			name:   "escapes password and sets application name",
			config: Config{Host: "db", Port: 5433, User: "svc", Password: "p@ss word", Database: "jobs", ApplicationName: "analysis-api"},
			want:   "postgres://svc:p%40ss%20word@db:5433/jobs?application_name=analysis-api",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dsn(&tt.config))
		})
	}
}

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	client := newClient(sqlx.NewDb(db, "sqlmock"), &Config{MaxOpenConns: 5}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client, mock
}

func TestClient_HealthCheck(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_HealthCheckFailures(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := client.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database health check failed")
	})

	t.Run("query", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("too many clients"))

		err := client.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database query health check failed")
	})
}

func TestClient_Close(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectClose()

	require.NoError(t, client.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
