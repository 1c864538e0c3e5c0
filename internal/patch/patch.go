// Package patch implements the incremental-upgrade patch executor: it
// downloads a patch archive, verifies it, extracts it, and applies its
// replace/delete operations against a working directory, with an optional
// backup-and-rollback mode.
package patch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/go-archive"

	"github.com/nuwax-ai/nuwa-upgrade/internal/download"
	"github.com/nuwax-ai/nuwa-upgrade/internal/manifest"
)

// ProgressFunc reports fractional completion, 0.0 through 1.0.
type ProgressFunc func(fraction float64)

func noopProgress(float64) {}

// Executor applies a patch package against a working directory.
type Executor struct {
	workDir       string
	downloader    *download.Downloader
	logger        *slog.Logger
	backupEnabled bool
	backupDir     string
	patchSource   string
	tempDir       string
}

// NewExecutor creates a patch Executor rooted at workDir, which must already
// exist.
func NewExecutor(workDir string, downloader *download.Downloader, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(workDir); err != nil {
		return nil, fmt.Errorf("work directory does not exist: %s", workDir)
	}
	return &Executor{workDir: workDir, downloader: downloader, logger: logger}, nil
}

// EnableBackup turns on rollback support: every file or directory touched
// by ApplyPatch is copied into a scratch directory first.
func (e *Executor) EnableBackup() error {
	dir, err := os.MkdirTemp("", "nuwa-patch-backup-*")
	if err != nil {
		return fmt.Errorf("creating backup scratch dir: %w", err)
	}
	e.backupDir = dir
	e.backupEnabled = true
	e.logger.Info("patch backup mode enabled", "scratch_dir", dir)
	return nil
}

// IsBackupEnabled reports whether rollback support is active.
func (e *Executor) IsBackupEnabled() bool {
	return e.backupEnabled
}

// WorkDir returns the directory patch operations apply against.
func (e *Executor) WorkDir() string {
	return e.workDir
}

// TempDir returns the scratch directory used for downloading and extracting
// the current (or most recent) patch archive, for progress logging. Empty
// before the first ApplyPatch call.
func (e *Executor) TempDir() string {
	return e.tempDir
}

// OperationSummary returns a human-readable count of the operations ops
// describes, e.g. "total operations: 4 (replace files: 2, replace
// directories: 1, delete files: 1)".
func OperationSummary(ops manifest.PatchOperations) string {
	var parts []string
	if ops.Replace != nil {
		if n := len(ops.Replace.Files); n > 0 {
			parts = append(parts, fmt.Sprintf("replace files: %d", n))
		}
		if n := len(ops.Replace.Directories); n > 0 {
			parts = append(parts, fmt.Sprintf("replace directories: %d", n))
		}
	}
	if ops.Delete != nil {
		if n := len(ops.Delete.Files); n > 0 {
			parts = append(parts, fmt.Sprintf("delete files: %d", n))
		}
		if n := len(ops.Delete.Directories); n > 0 {
			parts = append(parts, fmt.Sprintf("delete directories: %d", n))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("total operations: %d", ops.TotalOperations())
	}
	return fmt.Sprintf("total operations: %d (%s)", ops.TotalOperations(), strings.Join(parts, ", "))
}

// ApplyPatch downloads, verifies, extracts, and applies info's operations,
// reporting fractional progress through progress. On failure, if backup
// mode is enabled, the work directory is automatically rolled back.
func (e *Executor) ApplyPatch(ctx context.Context, info *manifest.PatchPackageInfo, progress ProgressFunc) error {
	if progress == nil {
		progress = noopProgress
	}

	e.logger.Info("applying incremental patch")
	progress(0.0)

	if err := e.validatePreconditions(info.Operations); err != nil {
		return err
	}
	progress(0.05)

	if err := e.runPipeline(ctx, info, progress); err != nil {
		e.logger.Error("patch application failed", "error", err)
		if e.backupEnabled {
			e.logger.Warn("rolling back patch operations")
			if rbErr := e.Rollback(); rbErr != nil {
				return fmt.Errorf("patch failed (%w) and rollback also failed: %v", err, rbErr)
			}
			e.logger.Info("rollback complete")
		}
		return err
	}

	progress(1.0)
	e.logger.Info("incremental patch applied")
	return nil
}

func (e *Executor) validatePreconditions(ops manifest.PatchOperations) error {
	if _, err := os.Stat(e.workDir); err != nil {
		return fmt.Errorf("work directory does not exist: %s", e.workDir)
	}
	if ops.TotalOperations() == 0 {
		return fmt.Errorf("patch operations are empty")
	}
	return nil
}

func (e *Executor) runPipeline(ctx context.Context, info *manifest.PatchPackageInfo, progress ProgressFunc) error {
	tempDir, err := os.MkdirTemp("", "nuwa-patch-*")
	if err != nil {
		return fmt.Errorf("creating patch temp dir: %w", err)
	}
	e.tempDir = tempDir
	defer os.RemoveAll(tempDir)

	patchPath := filepath.Join(tempDir, "patch.tar.gz")

	e.logger.Info("downloading patch package", "url", info.URL)
	expectedHash := strings.TrimPrefix(info.Hash, "sha256:")
	if err := e.downloader.Download(ctx, info.URL, patchPath, download.Options{
		ExpectedHash: expectedHash,
	}); err != nil {
		return fmt.Errorf("downloading patch: %w", err)
	}
	progress(0.25)

	e.logger.Info("verifying patch signature")
	if err := verifySignatureFormat(info.Signature); err != nil {
		return err
	}
	progress(0.35)

	extractDir := filepath.Join(tempDir, "extracted")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return fmt.Errorf("creating extraction dir: %w", err)
	}
	if err := e.extractPatch(patchPath, extractDir); err != nil {
		return err
	}
	progress(0.45)

	e.logger.Info("validating patch file structure")
	if err := validateExtractedStructure(extractDir, info.Operations); err != nil {
		return err
	}
	progress(0.5)

	e.patchSource = extractDir
	return e.applyOperations(info.Operations, progress)
}

// extractPatch decompresses and untars patchPath into dest. moby/go-archive's
// Untar both auto-detects gzip compression and rejects path-traversal
// entries, so no manual entry loop is needed here (contrast internal/backup,
// whose selective restore needs per-entry filtering Untar doesn't expose).
func (e *Executor) extractPatch(patchPath, dest string) error {
	f, err := os.Open(patchPath)
	if err != nil {
		return fmt.Errorf("opening patch archive: %w", err)
	}
	defer f.Close()

	if err := archive.Untar(f, dest, &archive.TarOptions{}); err != nil {
		return fmt.Errorf("extracting patch archive: %w", err)
	}
	return nil
}

func verifySignatureFormat(signature string) error {
	if signature == "" {
		return nil
	}
	if _, err := base64.StdEncoding.DecodeString(signature); err != nil {
		return fmt.Errorf("patch signature is not valid base64: %w", err)
	}
	return nil
}

func validateExtractedStructure(extractDir string, ops manifest.PatchOperations) error {
	if ops.Replace == nil {
		return nil
	}
	for _, f := range ops.Replace.Files {
		if _, err := os.Stat(filepath.Join(extractDir, f)); err != nil {
			return fmt.Errorf("patch is missing required file: %s", f)
		}
	}
	for _, d := range ops.Replace.Directories {
		info, err := os.Stat(filepath.Join(extractDir, d))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("patch is missing required directory: %s", d)
		}
	}
	return nil
}

// applyOperations runs replace.files, replace.directories, delete.files,
// then delete.directories in that order, reporting progress proportional
// to operations completed within the second half of the run.
func (e *Executor) applyOperations(ops manifest.PatchOperations, progress ProgressFunc) error {
	total := ops.TotalOperations()
	completed := 0
	const base, span = 0.5, 0.5

	report := func() {
		progress(base + (float64(completed)/float64(total))*span)
	}

	if ops.Replace != nil {
		if len(ops.Replace.Files) > 0 {
			e.logger.Info("replacing files", "count", len(ops.Replace.Files))
			if err := e.replaceFiles(ops.Replace.Files); err != nil {
				return err
			}
			completed += len(ops.Replace.Files)
			report()
		}
		if len(ops.Replace.Directories) > 0 {
			e.logger.Info("replacing directories", "count", len(ops.Replace.Directories))
			if err := e.replaceDirectories(ops.Replace.Directories); err != nil {
				return err
			}
			completed += len(ops.Replace.Directories)
			report()
		}
	}

	if ops.Delete != nil {
		if len(ops.Delete.Files) > 0 {
			e.logger.Info("deleting files", "count", len(ops.Delete.Files))
			if err := e.deleteItems(ops.Delete.Files); err != nil {
				return err
			}
			completed += len(ops.Delete.Files)
			report()
		}
		if len(ops.Delete.Directories) > 0 {
			e.logger.Info("deleting directories", "count", len(ops.Delete.Directories))
			if err := e.deleteItems(ops.Delete.Directories); err != nil {
				return err
			}
			completed += len(ops.Delete.Directories)
			report()
		}
	}

	e.logger.Info("patch operations applied")
	return nil
}

func (e *Executor) replaceFiles(files []string) error {
	for _, rel := range files {
		if err := e.replaceSingleFile(rel); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) replaceSingleFile(rel string) error {
	target := filepath.Join(e.workDir, rel)
	source := filepath.Join(e.patchSource, rel)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("patch source file missing: %s", rel)
	}

	if e.backupEnabled {
		if _, err := os.Stat(target); err == nil {
			if err := e.backupPath(target, rel); err != nil {
				return err
			}
		}
	}

	if err := atomicFileReplace(source, target); err != nil {
		return fmt.Errorf("replacing file %s: %w", rel, err)
	}
	e.logger.Info("replaced file", "path", rel)
	return nil
}

func (e *Executor) replaceDirectories(dirs []string) error {
	for _, rel := range dirs {
		if err := e.replaceSingleDirectory(rel); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) replaceSingleDirectory(rel string) error {
	target := filepath.Join(e.workDir, rel)
	source := filepath.Join(e.patchSource, rel)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("patch source directory missing: %s", rel)
	}

	if e.backupEnabled {
		if _, err := os.Stat(target); err == nil {
			if err := e.backupPath(target, rel); err != nil {
				return err
			}
		}
	}

	if _, err := os.Stat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing existing directory %s: %w", rel, err)
		}
	}

	if err := copyDir(source, target); err != nil {
		return fmt.Errorf("replacing directory %s: %w", rel, err)
	}
	e.logger.Info("replaced directory", "path", rel)
	return nil
}

func (e *Executor) deleteItems(items []string) error {
	for _, rel := range items {
		if err := e.deleteSingleItem(rel); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) deleteSingleItem(rel string) error {
	target := filepath.Join(e.workDir, rel)
	if _, err := os.Stat(target); err != nil {
		e.logger.Warn("delete target does not exist, skipping", "path", rel)
		return nil
	}

	if e.backupEnabled {
		if err := e.backupPath(target, rel); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("deleting %s: %w", rel, err)
	}
	e.logger.Info("deleted", "path", rel)
	return nil
}

// backupPath copies target (file or directory) into the backup scratch
// directory under the same relative path rel.
func (e *Executor) backupPath(target, rel string) error {
	backupPath := filepath.Join(e.backupDir, rel)
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(target, backupPath)
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return err
	}
	return copyFile(target, backupPath)
}

// Rollback restores every backed-up path from the scratch directory back
// into the work directory. Requires EnableBackup to have been called.
func (e *Executor) Rollback() error {
	if !e.backupEnabled {
		return fmt.Errorf("backup mode is not enabled")
	}

	e.logger.Warn("rolling back patch file operations")

	err := filepath.WalkDir(e.backupDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.backupDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(e.workDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
	if err != nil {
		return fmt.Errorf("restoring from backup: %w", err)
	}

	e.logger.Info("file operation rollback complete")
	return nil
}

// Cleanup removes the backup scratch directory, if any.
func (e *Executor) Cleanup() error {
	if e.backupDir == "" {
		return nil
	}
	return os.RemoveAll(e.backupDir)
}

// atomicFileReplace writes source's content to target via a temp file in
// target's directory, then renames it into place.
func atomicFileReplace(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".nuwa-patch-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src, err := os.Open(source)
	if err != nil {
		tmp.Close()
		return err
	}
	_, copyErr := io.Copy(tmp, src)
	src.Close()
	closeErr := tmp.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	return os.Rename(tmpPath, target)
}

func copyFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func copyDir(source, target string) error {
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)

		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
}
