// Package backup implements the cold backup engine: it archives a set of
// source paths into a single gzip-compressed tar file, and restores from
// one, with optional first-level directory exclusion or inclusion.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/go-archive"

	"github.com/nuwax-ai/nuwa-upgrade/internal/telemetry"
)

// Type discriminates why a backup was taken.
type Type string

const (
	TypeManual     Type = "manual"
	TypePreUpgrade Type = "pre-upgrade"
)

// Status is the outcome recorded for a backup attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted description of one backup archive.
type Record struct {
	ID             int64
	FilePath       string
	ServiceVersion string
	Type           Type
	Status         Status
	CreatedAt      time.Time
}

// Store is the persistence surface the backup engine needs. internal/store
// provides the concrete implementation.
type Store interface {
	CreateBackupRecord(ctx context.Context, filePath, serviceVersion string, backupType Type, status Status) (int64, error)
	GetBackupByID(ctx context.Context, id int64) (*Record, error)
	GetAllBackups(ctx context.Context) ([]Record, error)
	DeleteBackupRecord(ctx context.Context, id int64) error
	UpdateBackupFilePath(ctx context.Context, id int64, newPath string) error
}

// ServiceController is the subset of container control the engine needs to
// quiesce services around a restore.
type ServiceController interface {
	StopServices(ctx context.Context) error
	StartServices(ctx context.Context) error
}

// Manager creates and restores cold backups under one storage directory.
type Manager struct {
	storageDir string
	store      Store
	services   ServiceController
	logger     *slog.Logger
	recorder   *telemetry.Recorder
}

// NewManager creates storageDir if absent and returns a Manager rooted there.
func NewManager(storageDir string, store Store, services ServiceController, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup storage dir: %w", err)
	}
	return &Manager{storageDir: storageDir, store: store, services: services, logger: logger}, nil
}

// WithRecorder attaches a telemetry Recorder that subsequent backup/restore
// operations report duration and failures to. Returns m for chaining; a nil
// recorder restores no-op behavior.
func (m *Manager) WithRecorder(recorder *telemetry.Recorder) *Manager {
	m.recorder = recorder
	return m
}

// Options configures one backup run.
type Options struct {
	Type             Type
	ServiceVersion   string
	SourcePaths      []string
	CompressionLevel int
}

// CreateBackup archives opts.SourcePaths into a timestamped tar.gz under the
// storage directory and records the outcome, success or failure, in Store.
func (m *Manager) CreateBackup(ctx context.Context, opts Options) (*Record, error) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := fmt.Sprintf("backup_%s_v%s_%s.tar.gz", opts.Type, opts.ServiceVersion, timestamp)
	backupPath := filepath.Join(m.storageDir, filename)

	m.logger.Info("creating backup", "path", backupPath)
	start := time.Now()

	if err := m.performBackup(opts.SourcePaths, backupPath, opts.CompressionLevel); err != nil {
		m.logger.Error("backup creation failed", "error", err)
		m.recorder.RecordBackupOperation("create", string(opts.Type), time.Since(start), false)
		if _, recErr := m.store.CreateBackupRecord(ctx, backupPath, opts.ServiceVersion, opts.Type, StatusFailed); recErr != nil {
			m.logger.Error("failed to record failed backup", "error", recErr)
		}
		return nil, err
	}
	m.recorder.RecordBackupOperation("create", string(opts.Type), time.Since(start), true)

	m.logger.Info("backup created", "path", backupPath)

	id, err := m.store.CreateBackupRecord(ctx, backupPath, opts.ServiceVersion, opts.Type, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("recording backup: %w", err)
	}

	record, err := m.store.GetBackupByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reloading backup record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("backup record %d vanished immediately after creation", id)
	}
	return record, nil
}

// performBackup writes every source path into a single gzip tar archive.
// A directory source is namespaced under its own base name; a file source
// keeps its normalized path. Directory contents are read through
// moby/go-archive's TarWithOptions and re-multiplexed into one archive so
// multiple heterogeneous source paths land in a single output stream.
func (m *Manager) performBackup(sourcePaths []string, backupPath string, compressionLevel int) error {
	if parent := filepath.Dir(backupPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("creating backup parent dir: %w", err)
		}
	}

	out, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, compressionLevel)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, src := range sourcePaths {
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				m.logger.Info("source path does not exist, skipping", "path", src)
				continue
			}
			return fmt.Errorf("stat %s: %w", src, err)
		}

		if info.IsDir() {
			dirName := filepath.Base(src)
			if err := appendDirToArchive(tw, src, dirName); err != nil {
				return fmt.Errorf("archiving directory %s: %w", src, err)
			}
			continue
		}

		if err := appendFileToArchive(tw, src, normalizeArchivePath(src)); err != nil {
			return fmt.Errorf("archiving file %s: %w", src, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finishing tar archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finishing gzip stream: %w", err)
	}
	return nil
}

// appendDirToArchive tars src's contents with archive.TarWithOptions and
// re-emits every entry into tw under dirName/<relative path>.
func appendDirToArchive(tw *tar.Writer, src, dirName string) error {
	rc, err := archive.TarWithOptions(src, &archive.TarOptions{Compression: archive.Uncompressed})
	if err != nil {
		return fmt.Errorf("tarring %s: %w", src, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		hdr.Name = dirName + "/" + strings.TrimPrefix(hdr.Name, "./")
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", hdr.Name, err)
		}
		if _, err := io.CopyN(tw, tr, hdr.Size); err != nil && err != io.EOF {
			return fmt.Errorf("copying tar entry %s: %w", hdr.Name, err)
		}
	}
}

func appendFileToArchive(tw *tar.Writer, src, archivePath string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archivePath

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func normalizeArchivePath(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "./")
}

// RestoreOptions controls selective restore behavior: dirs named in
// ExcludeDirs (first path component only) are skipped on extraction. Used
// for rollback restores that must not overwrite freshly-written data.
type RestoreOptions struct {
	TargetDir       string
	ExcludeDirs     []string
	AutoStartService bool
}

// RestoreDataWithExclusions stops services, clears data/app under
// opts.TargetDir (skipping names in opts.ExcludeDirs), extracts the backup
// identified by backupID excluding the same top-level names, and optionally
// restarts services.
func (m *Manager) RestoreDataWithExclusions(ctx context.Context, backupID int64, opts RestoreOptions) error {
	record, err := m.loadRecord(ctx, backupID)
	if err != nil {
		return err
	}

	m.logger.Info("starting data restore", "backup", record.FilePath, "target", opts.TargetDir)
	start := time.Now()

	if err := m.services.StopServices(ctx); err != nil {
		m.recorder.RecordBackupOperation("restore", string(record.Type), time.Since(start), false)
		return fmt.Errorf("stopping services before restore: %w", err)
	}

	if err := m.clearDirectories(opts.TargetDir, []string{"data", "app"}, opts.ExcludeDirs); err != nil {
		m.recorder.RecordBackupOperation("restore", string(record.Type), time.Since(start), false)
		return fmt.Errorf("clearing data directories: %w", err)
	}

	if err := m.extractExcluding(record.FilePath, opts.TargetDir, opts.ExcludeDirs); err != nil {
		m.recorder.RecordBackupOperation("restore", string(record.Type), time.Since(start), false)
		return fmt.Errorf("restoring from backup: %w", err)
	}
	m.recorder.RecordBackupOperation("restore", string(record.Type), time.Since(start), true)

	if opts.AutoStartService {
		m.logger.Info("restore complete, starting services")
		if err := m.services.StartServices(ctx); err != nil {
			return fmt.Errorf("starting services after restore: %w", err)
		}
	} else {
		m.logger.Info("restore complete, service start skipped by caller")
	}
	return nil
}

// RestoreDataDirectoryOnly stops services, clears only the data directory
// under opts.TargetDir, restores only the named dirsToRestore from the
// backup, and optionally restarts services.
func (m *Manager) RestoreDataDirectoryOnly(ctx context.Context, backupID int64, targetDir string, dirsToRestore []string, autoStartService bool) error {
	record, err := m.loadRecord(ctx, backupID)
	if err != nil {
		return err
	}

	m.logger.Info("starting data-only restore", "backup", record.FilePath, "target", targetDir)
	start := time.Now()

	if err := m.services.StopServices(ctx); err != nil {
		m.recorder.RecordBackupOperation("restore_data_only", string(record.Type), time.Since(start), false)
		return fmt.Errorf("stopping services before restore: %w", err)
	}

	dataDir := filepath.Join(targetDir, "data")
	if _, err := os.Stat(dataDir); err == nil {
		if err := os.RemoveAll(dataDir); err != nil {
			m.recorder.RecordBackupOperation("restore_data_only", string(record.Type), time.Since(start), false)
			return fmt.Errorf("clearing data directory: %w", err)
		}
	}

	if err := m.extractIncluding(record.FilePath, targetDir, dirsToRestore); err != nil {
		m.recorder.RecordBackupOperation("restore_data_only", string(record.Type), time.Since(start), false)
		return fmt.Errorf("restoring data directory: %w", err)
	}
	m.recorder.RecordBackupOperation("restore_data_only", string(record.Type), time.Since(start), true)

	if autoStartService {
		m.logger.Info("data directory restored, starting services")
		if err := m.services.StartServices(ctx); err != nil {
			return fmt.Errorf("starting services after restore: %w", err)
		}
	} else {
		m.logger.Info("data directory restored, service start skipped by caller")
	}
	return nil
}

func (m *Manager) loadRecord(ctx context.Context, backupID int64) (*Record, error) {
	record, err := m.store.GetBackupByID(ctx, backupID)
	if err != nil {
		return nil, fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("backup record %d does not exist", backupID)
	}
	if _, err := os.Stat(record.FilePath); err != nil {
		return nil, fmt.Errorf("backup file missing: %s", record.FilePath)
	}
	return record, nil
}

// clearDirectories removes each entry of names under root that isn't in
// skipSet.
func (m *Manager) clearDirectories(root string, names, skipSet []string) error {
	excluded := make(map[string]bool, len(skipSet))
	for _, d := range skipSet {
		excluded[d] = true
	}

	for _, name := range names {
		if excluded[name] {
			continue
		}
		path := filepath.Join(root, name)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		m.logger.Info("clearing directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	m.logger.Info("data directories cleared, configuration preserved")
	return nil
}

// extractExcluding unpacks every tar entry whose first path component is
// not in exclude. Extraction is hand-rolled rather than delegated to
// moby/go-archive's Untar because the exclusion test is per-entry and must
// run while paths still carry the original tar forward-slash names.
func (m *Manager) extractExcluding(backupPath, targetDir string, exclude []string) error {
	excluded := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		excluded[d] = true
	}

	return m.walkArchive(backupPath, targetDir, func(name string) bool {
		first, _, _ := strings.Cut(name, "/")
		return !excluded[first]
	})
}

// extractIncluding unpacks only entries whose first path component is in
// include.
func (m *Manager) extractIncluding(backupPath, targetDir string, include []string) error {
	included := make(map[string]bool, len(include))
	for _, d := range include {
		included[d] = true
	}

	return m.walkArchive(backupPath, targetDir, func(name string) bool {
		first, _, _ := strings.Cut(name, "/")
		return included[first]
	})
}

func (m *Manager) walkArchive(backupPath, targetDir string, keep func(name string) bool) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}

	f, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("opening backup file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !keep(hdr.Name) {
			continue
		}

		targetPath, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("creating parent dir for %s: %w", targetPath, err)
		}

		out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("creating %s: %w", targetPath, err)
		}
		if _, err := io.CopyN(out, tr, hdr.Size); err != nil && err != io.EOF {
			out.Close()
			return fmt.Errorf("writing %s: %w", targetPath, err)
		}
		out.Close()

		m.logger.Debug("restored file", "path", targetPath)
	}
}

// safeJoin joins targetDir and name, rejecting any name that would escape
// targetDir via ".." traversal.
func safeJoin(targetDir, name string) (string, error) {
	joined := filepath.Join(targetDir, name)
	rel, err := filepath.Rel(targetDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry %q escapes target directory", name)
	}
	return joined, nil
}

// ListBackups returns every recorded backup.
func (m *Manager) ListBackups(ctx context.Context) ([]Record, error) {
	return m.store.GetAllBackups(ctx)
}

// DeleteBackup removes both the archive file and its record.
func (m *Manager) DeleteBackup(ctx context.Context, backupID int64) error {
	record, err := m.store.GetBackupByID(ctx, backupID)
	if err != nil {
		return fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("backup record %d does not exist", backupID)
	}

	if _, err := os.Stat(record.FilePath); err == nil {
		if err := os.Remove(record.FilePath); err != nil {
			return fmt.Errorf("removing backup file: %w", err)
		}
		m.logger.Info("removed backup file", "path", record.FilePath)
	}

	return m.store.DeleteBackupRecord(ctx, backupID)
}

// MigrateStorageDirectory moves every existing backup file to newDir and
// updates its recorded path. A no-op if newDir equals the current storage
// directory.
func (m *Manager) MigrateStorageDirectory(ctx context.Context, newDir string) error {
	if newDir == m.storageDir {
		return nil
	}

	m.logger.Info("migrating backup storage directory", "from", m.storageDir, "to", newDir)

	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("creating new storage dir: %w", err)
	}

	backups, err := m.ListBackups(ctx)
	if err != nil {
		return err
	}

	for _, b := range backups {
		if _, err := os.Stat(b.FilePath); err != nil {
			continue
		}
		newPath := filepath.Join(newDir, filepath.Base(b.FilePath))
		if err := os.Rename(b.FilePath, newPath); err != nil {
			return fmt.Errorf("moving backup %d: %w", b.ID, err)
		}
		if err := m.store.UpdateBackupFilePath(ctx, b.ID, newPath); err != nil {
			return fmt.Errorf("updating backup %d path: %w", b.ID, err)
		}
		m.logger.Info("migrated backup file", "from", b.FilePath, "to", newPath)
	}

	m.storageDir = newDir
	m.logger.Info("backup storage directory migration complete")
	return nil
}

// StorageDir returns the directory backups are written to.
func (m *Manager) StorageDir() string {
	return m.storageDir
}

// EstimateBackupSize walks sourceDir and returns roughly half its total
// file size, approximating typical gzip compression of mixed application
// data.
func (m *Manager) EstimateBackupSize(sourceDir string) (uint64, error) {
	var total uint64
	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("estimating backup size: %w", err)
	}
	return total / 2, nil
}
