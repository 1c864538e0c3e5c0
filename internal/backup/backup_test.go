package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	records map[int64]*Record
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]*Record)}
}

func (f *fakeStore) CreateBackupRecord(ctx context.Context, filePath, serviceVersion string, backupType Type, status Status) (int64, error) {
	f.nextID++
	f.records[f.nextID] = &Record{
		ID:             f.nextID,
		FilePath:       filePath,
		ServiceVersion: serviceVersion,
		Type:           backupType,
		Status:         status,
	}
	return f.nextID, nil
}

func (f *fakeStore) GetBackupByID(ctx context.Context, id int64) (*Record, error) {
	return f.records[id], nil
}

func (f *fakeStore) GetAllBackups(ctx context.Context) ([]Record, error) {
	out := make([]Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) DeleteBackupRecord(ctx context.Context, id int64) error {
	delete(f.records, id)
	return nil
}

func (f *fakeStore) UpdateBackupFilePath(ctx context.Context, id int64, newPath string) error {
	if r, ok := f.records[id]; ok {
		r.FilePath = newPath
	}
	return nil
}

type fakeServices struct {
	stopped, started int
}

func (f *fakeServices) StopServices(ctx context.Context) error {
	f.stopped++
	return nil
}

func (f *fakeServices) StartServices(ctx context.Context) error {
	f.started++
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCreateBackupArchivesDirectoriesAndFiles(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "source", "data")
	writeFile(t, filepath.Join(dataDir, "a.txt"), "hello")
	writeFile(t, filepath.Join(dataDir, "nested", "b.txt"), "world")

	standaloneFile := filepath.Join(root, "source", "config.yml")
	writeFile(t, standaloneFile, "key: value")

	storageDir := filepath.Join(root, "backups")
	store := newFakeStore()
	services := &fakeServices{}

	mgr, err := NewManager(storageDir, store, services, nil)
	require.NoError(t, err)

	record, err := mgr.CreateBackup(context.Background(), Options{
		Type:             TypePreUpgrade,
		ServiceVersion:   "0.0.13.2",
		SourcePaths:      []string{dataDir, standaloneFile},
		CompressionLevel: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)

	info, err := os.Stat(record.FilePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRestoreDataWithExclusionsSkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "source", "data")
	writeFile(t, filepath.Join(dataDir, "a.txt"), "hello")

	appDir := filepath.Join(root, "source", "app")
	writeFile(t, filepath.Join(appDir, "b.txt"), "world")

	storageDir := filepath.Join(root, "backups")
	store := newFakeStore()
	services := &fakeServices{}

	mgr, err := NewManager(storageDir, store, services, nil)
	require.NoError(t, err)

	record, err := mgr.CreateBackup(context.Background(), Options{
		Type:             TypeManual,
		ServiceVersion:   "0.0.13.2",
		SourcePaths:      []string{dataDir, appDir},
		CompressionLevel: 6,
	})
	require.NoError(t, err)

	targetDir := filepath.Join(root, "target")
	require.NoError(t, os.MkdirAll(filepath.Join(targetDir, "data"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(targetDir, "app"), 0o755))

	err = mgr.RestoreDataWithExclusions(context.Background(), record.ID, RestoreOptions{
		TargetDir:        targetDir,
		ExcludeDirs:      []string{"app"},
		AutoStartService: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, services.stopped)
	assert.Equal(t, 1, services.started)

	_, err = os.Stat(filepath.Join(targetDir, "data", "a.txt"))
	assert.NoError(t, err, "data directory should be restored")

	_, err = os.Stat(filepath.Join(targetDir, "app", "b.txt"))
	assert.True(t, os.IsNotExist(err), "app directory should remain excluded")
}

func TestDeleteBackupRemovesFileAndRecord(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "source")
	writeFile(t, filepath.Join(dataDir, "a.txt"), "hello")

	storageDir := filepath.Join(root, "backups")
	store := newFakeStore()
	mgr, err := NewManager(storageDir, store, &fakeServices{}, nil)
	require.NoError(t, err)

	record, err := mgr.CreateBackup(context.Background(), Options{
		Type:             TypeManual,
		ServiceVersion:   "0.0.13.2",
		SourcePaths:      []string{dataDir},
		CompressionLevel: 1,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteBackup(context.Background(), record.ID))

	_, err = os.Stat(record.FilePath)
	assert.True(t, os.IsNotExist(err))

	got, err := store.GetBackupByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEstimateBackupSizeHalvesTotalFileSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "0123456789")

	mgr, err := NewManager(filepath.Join(root, "backups"), newFakeStore(), &fakeServices{}, nil)
	require.NoError(t, err)

	size, err := mgr.EstimateBackupSize(root)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
}
