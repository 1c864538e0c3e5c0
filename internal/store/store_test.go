package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwax-ai/nuwa-upgrade/internal/backup"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "upgrade.db")
	s, err := Open(Config{Dialect: DialectSQLite, DSN: dbPath}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestConfigKeyValueRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, ok, err := s.GetConfig(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConfig(ctx, "docker_service_version", "1.2.3"))
	value, ok, err := s.GetConfig(ctx, "docker_service_version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.2.3", value)

	require.NoError(t, s.SetConfig(ctx, "docker_service_version", "1.2.4"))
	value, _, err = s.GetConfig(ctx, "docker_service_version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.4", value, "SetConfig upserts rather than erroring on an existing key")

	require.NoError(t, s.DeleteConfig(ctx, "docker_service_version"))
	_, ok, err = s.GetConfig(ctx, "docker_service_version")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupRecordCRUDAndOrdering(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	id1, err := s.CreateBackupRecord(ctx, "/backups/a.tar.gz", "1.0.0", backup.TypeManual, backup.StatusCompleted)
	require.NoError(t, err)
	id2, err := s.CreateBackupRecord(ctx, "/backups/b.tar.gz", "1.1.0", backup.TypePreUpgrade, backup.StatusFailed)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	rec, err := s.GetBackupByID(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/backups/a.tar.gz", rec.FilePath)
	assert.Equal(t, backup.TypeManual, rec.Type)
	assert.Equal(t, backup.StatusCompleted, rec.Status)

	all, err := s.GetAllBackups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, id2, all[0].ID, "newest backup listed first")

	require.NoError(t, s.UpdateBackupFilePath(ctx, id1, "/backups/a-renamed.tar.gz"))
	rec, err = s.GetBackupByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "/backups/a-renamed.tar.gz", rec.FilePath)

	require.NoError(t, s.DeleteBackupRecord(ctx, id1))
	rec, err = s.GetBackupByID(ctx, id1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpgradeTaskLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, "2.0.0")
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, TaskPending, task.Status)
	assert.Empty(t, task.ErrorMessage)

	require.NoError(t, s.MarkTaskInProgress(ctx, id))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, task.Status)

	require.NoError(t, s.MarkTaskFailed(ctx, id, "extraction failed"))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "extraction failed", task.ErrorMessage)

	require.NoError(t, s.MarkTaskCompleted(ctx, id))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Empty(t, task.ErrorMessage, "completing a task clears any prior error message")
}

func TestGetAllTasksOrdersNewestFirst(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	id1, err := s.CreateTask(ctx, "1.0.0")
	require.NoError(t, err)
	id2, err := s.CreateTask(ctx, "1.1.0")
	require.NoError(t, err)

	tasks, err := s.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, id2, tasks[0].ID)
	assert.Equal(t, id1, tasks[1].ID)
}
