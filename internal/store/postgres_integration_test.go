//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nuwax-ai/nuwa-upgrade/internal/backup"
)

func TestPostgresStoreMigratesAndRoundTrips(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("nuwa_upgrade_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer container.Terminate(ctx)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(Config{Dialect: DialectPostgres, DSN: connStr}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.SetConfig(ctx, "docker_service_version", "1.2.3"))
	value, ok, err := s.GetConfig(ctx, "docker_service_version")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1.2.3", value)

	id, err := s.CreateBackupRecord(ctx, "/backups/a.tar.gz", "1.0.0", backup.TypeManual, backup.StatusCompleted)
	require.NoError(t, err)
	rec, err := s.GetBackupByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "/backups/a.tar.gz", rec.FilePath)

	taskID, err := s.CreateTask(ctx, "2.0.0")
	require.NoError(t, err)
	require.NoError(t, s.MarkTaskInProgress(ctx, taskID))
	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, TaskInProgress, task.Status)
}
