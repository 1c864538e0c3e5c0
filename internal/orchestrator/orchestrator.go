// Package orchestrator drives one end-to-end upgrade run: fetch the
// manifest, decide a strategy, quiesce services, back up, extract the new
// release, restore data, deploy, wait for health, and apply any schema
// diff. It is the glue that calls every other package in the module in the
// order a real upgrade needs.
package orchestrator

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nuwax-ai/nuwa-upgrade/internal/architecture"
	"github.com/nuwax-ai/nuwa-upgrade/internal/backup"
	"github.com/nuwax-ai/nuwa-upgrade/internal/container"
	"github.com/nuwax-ai/nuwa-upgrade/internal/download"
	"github.com/nuwax-ai/nuwa-upgrade/internal/envfile"
	"github.com/nuwax-ai/nuwa-upgrade/internal/health"
	"github.com/nuwax-ai/nuwa-upgrade/internal/manifest"
	"github.com/nuwax-ai/nuwa-upgrade/internal/patch"
	"github.com/nuwax-ai/nuwa-upgrade/internal/schema"
	"github.com/nuwax-ai/nuwa-upgrade/internal/strategy"
	"github.com/nuwax-ai/nuwa-upgrade/internal/telemetry"
	"github.com/nuwax-ai/nuwa-upgrade/internal/version"
)

// DefaultProtectedNames are the top-level entries under the deploy
// directory that a cleanup pass never removes, because they hold user
// data or state a reinstall must not touch.
var DefaultProtectedNames = []string{
	"upload",
	"project_workspace",
	"project_zips",
	"project_nginx",
	"project_init",
	"uv_cache",
	"data",
}

func isProtectedNameIn(names []string, name string) bool {
	for _, p := range names {
		if name == p {
			return true
		}
	}
	return false
}

// skipArchiveEntry reports whether a ZIP entry is noise that should never
// land on disk: platform metadata, VCS bookkeeping, or editor state.
func skipArchiveEntry(name string) bool {
	name = strings.TrimPrefix(name, "docker/")
	switch {
	case strings.HasPrefix(name, "__MACOSX"),
		strings.HasSuffix(name, ".DS_Store"),
		strings.HasPrefix(filepath.Base(name), "._"),
		strings.HasSuffix(name, ".tmp"),
		strings.HasSuffix(name, ".temp"),
		strings.HasSuffix(name, ".bak"):
		return true
	case strings.HasPrefix(name, ".git/"),
		name == ".gitignore", name == ".gitattributes", name == ".gitmodules":
		return true
	case strings.HasPrefix(name, ".vscode/"), strings.HasPrefix(name, ".idea/"), strings.HasPrefix(name, ".vs/"):
		return true
	default:
		return false
	}
}

const (
	serviceStopTimeout = 60 * time.Second
	deployStartTimeout = 90 * time.Second
	healthPollInterval = 2 * time.Second
	sqlSnapshotFile    = "config/init_mysql.sql"
	versionConfigFile  = "version_config.json"
)

// Dependencies wires together every collaborator the orchestrator drives.
// Production code builds the concrete packages; tests exercise the
// filesystem-only helpers with an empty Dependencies.
type Dependencies struct {
	ManifestFetcher *manifest.Fetcher
	Downloader      *download.Downloader
	Containers      *container.Manager
	HealthChecker   *health.Checker
	Backups         *backup.Manager
	SchemaApplier   *schema.Applier
	// ProtectedNames overrides the default top-level entries a cleanup
	// pass never removes. Nil uses DefaultProtectedNames.
	ProtectedNames []string
	// Telemetry records pipeline run outcomes and durations. Nil is a
	// no-op.
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
}

// Orchestrator runs upgrade pipelines against one deploy directory.
type Orchestrator struct {
	deploy         string
	manifestURL    string
	deps           Dependencies
	protectedNames []string
	logger         *slog.Logger
}

// New creates an Orchestrator rooted at deployDir (the directory containing
// the compose project, e.g. "docker"), fetching manifests from manifestURL.
func New(deployDir, manifestURL string, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	protected := deps.ProtectedNames
	if protected == nil {
		protected = DefaultProtectedNames
	}
	return &Orchestrator{deploy: deployDir, manifestURL: manifestURL, deps: deps, protectedNames: protected, logger: logger}
}

// Result summarizes one completed pipeline run.
type Result struct {
	Strategy        strategy.Strategy
	FirstDeployment bool
	BackupID        int64
	SchemaApplied   bool
	HealthReport    *health.Report
}

// Run executes the full upgrade pipeline: fetch, decide, quiesce, back up,
// extract, restore, deploy, wait, and apply schema. currentVersion is the
// version recorded in the on-disk VersionConfig before this run began.
func (o *Orchestrator) Run(ctx context.Context, currentVersion version.Version, forceFull bool) (_ Result, runErr error) {
	result := Result{}
	start := time.Now()
	var strategyDetermined bool
	defer func() {
		label := "undetermined"
		outcome := "success"
		switch {
		case !strategyDetermined:
			label = "undetermined"
		case result.Strategy.Kind == strategy.KindNoUpgrade:
			label = "no_upgrade"
		case result.Strategy.Kind == strategy.KindFullUpgrade:
			label = "full_upgrade"
		case result.Strategy.Kind == strategy.KindPatchUpgrade:
			label = "patch_upgrade"
		}
		if runErr != nil {
			outcome = "failure"
		} else if strategyDetermined && result.Strategy.Kind == strategy.KindNoUpgrade {
			outcome = "no_upgrade"
		}
		o.deps.Telemetry.RecordPipelineRun(label, outcome, time.Since(start))
	}()

	o.logger.Info("fetching upgrade manifest", "url", o.manifestURL)
	man, err := o.deps.ManifestFetcher.Fetch(ctx, o.manifestURL)
	if err != nil {
		return result, fmt.Errorf("orchestrator: fetching manifest: %w", err)
	}

	firstDeployment := !o.deps.Containers.ComposeFileExists()
	result.FirstDeployment = firstDeployment

	mgr := strategy.NewManager(man, currentVersion, forceFull, !firstDeployment)
	strat, err := mgr.DetermineStrategy()
	if err != nil {
		return result, fmt.Errorf("orchestrator: determining strategy: %w", err)
	}
	result.Strategy = strat
	strategyDetermined = true
	o.logger.Info("strategy decided", "kind", strat.Kind, "target_version", strat.TargetVersion.String(), "first_deployment", firstDeployment)

	if strat.Kind == strategy.KindNoUpgrade {
		o.logger.Info("already at target version, nothing to do")
		return result, nil
	}

	var priorBackupID int64
	var haveBackup bool
	var tempDataSidecar string

	if !firstDeployment {
		if err := o.quiesceServices(ctx); err != nil {
			o.logger.Warn("quiescing services before upgrade did not fully succeed, continuing", "error", err)
		}

		id, err := o.createPreUpgradeBackup(ctx, strat)
		if err != nil {
			o.logger.Warn("pre-upgrade backup failed, continuing without it", "error", err)
		} else {
			priorBackupID = id
			haveBackup = true
			result.BackupID = id
		}

		if err := o.snapshotCurrentSchema(); err != nil {
			o.logger.Warn("snapshotting current schema failed, diff will treat it as absent", "error", err)
		}

		tempDataSidecar, err = o.sidecarCopyDataDir()
		if err != nil {
			o.logger.Warn("temporary data sidecar copy failed", "error", err)
		}
	}

	artifactPath, err := o.downloadArtifact(ctx, strat)
	if err != nil {
		return result, fmt.Errorf("orchestrator: downloading artifact: %w", err)
	}

	if err := o.clearUpgradeTarget(strat); err != nil {
		return result, fmt.Errorf("orchestrator: clearing upgrade target: %w", err)
	}

	if extractErr := o.extractArtifact(ctx, strat, artifactPath); extractErr != nil {
		o.logger.Error("artifact extraction failed, attempting recovery", "error", extractErr)
		if haveBackup {
			if rerr := o.deps.Backups.RestoreDataWithExclusions(ctx, priorBackupID, backup.RestoreOptions{TargetDir: o.deploy, AutoStartService: false}); rerr != nil {
				o.logger.Error("restore from backup after extraction failure also failed", "error", rerr)
			}
		} else if tempDataSidecar != "" {
			if rerr := o.restoreDataSidecar(tempDataSidecar); rerr != nil {
				o.logger.Error("restore from temp sidecar after extraction failure also failed", "error", rerr)
			}
		}
		return result, fmt.Errorf("orchestrator: extracting artifact: %w", extractErr)
	}

	if fixed, err := envfile.EnsureScriptExecutable(o.deploy); err != nil {
		o.logger.Warn("restoring script permissions failed", "error", err)
	} else {
		o.logger.Info("restored executable bits", "count", len(fixed))
	}

	if !firstDeployment {
		if haveBackup {
			if err := o.deps.Backups.RestoreDataDirectoryOnly(ctx, priorBackupID, o.deploy, []string{"data"}, false); err != nil {
				o.logger.Warn("data-only restore from backup after extraction failed", "error", err)
			}
		} else if tempDataSidecar != "" {
			if err := o.restoreDataSidecar(tempDataSidecar); err != nil {
				o.logger.Warn("restoring data sidecar failed", "error", err)
			}
		}
	}

	if err := o.persistVersion(strat, firstDeployment); err != nil {
		o.logger.Warn("persisting version config failed", "error", err)
	}

	var diffPath string
	if !firstDeployment {
		diffPath, err = o.generateSchemaDiff(currentVersion.String(), strat.TargetVersion.String())
		if err != nil {
			o.logger.Warn("generating schema diff failed", "error", err)
		}
	}

	if err := o.deps.Containers.StartServices(ctx); err != nil {
		return result, fmt.Errorf("orchestrator: deploying services: %w", err)
	}

	report, healthErr := o.deps.HealthChecker.WaitUntilHealthy(ctx, healthPollInterval, deployStartTimeout)
	result.HealthReport = report
	if healthErr != nil {
		o.logger.Warn("timed out waiting for services to become healthy, probing once more", "error", healthErr)
		o.deps.Telemetry.RecordHealthWaitTimeout()
		report, healthErr = o.deps.HealthChecker.Check(ctx)
		result.HealthReport = report
	}

	if healthErr == nil && report != nil && report.Finalize().IsHealthy() && diffPath != "" {
		if err := o.applySchemaDiff(ctx, diffPath); err != nil {
			o.deps.Telemetry.RecordSchemaDiffApplication("failed")
			return result, fmt.Errorf("orchestrator: applying schema diff: %w", err)
		}
		o.deps.Telemetry.RecordSchemaDiffApplication("applied")
		result.SchemaApplied = true
	} else if diffPath != "" {
		o.deps.Telemetry.RecordSchemaDiffApplication("skipped")
	}

	return result, nil
}

func (o *Orchestrator) quiesceServices(ctx context.Context) error {
	report, err := o.deps.HealthChecker.Check(ctx)
	if err != nil {
		return fmt.Errorf("checking service health before stop: %w", err)
	}
	if report.RunningCount() == 0 {
		o.logger.Info("services already stopped, skipping quiesce")
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, serviceStopTimeout)
	defer cancel()
	if err := o.deps.Containers.StopServices(stopCtx); err != nil {
		return fmt.Errorf("stopping services: %w", err)
	}
	o.logger.Info("services stopped")
	return nil
}

func (o *Orchestrator) createPreUpgradeBackup(ctx context.Context, strat strategy.Strategy) (int64, error) {
	var sourcePaths []string
	for _, p := range dedupe(append([]string{"data", "app"}, strat.ChangedFiles()...)) {
		sourcePaths = append(sourcePaths, filepath.Join(o.deploy, p))
	}
	rec, err := o.deps.Backups.CreateBackup(ctx, backup.Options{
		Type:           backup.TypePreUpgrade,
		ServiceVersion: strat.TargetVersion.String(),
		SourcePaths:    sourcePaths,
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) snapshotCurrentSchema() error {
	src := filepath.Join(o.deploy, sqlSnapshotFile)
	dst := filepath.Join(os.TempDir(), "nuwa-upgrade-sql", "init_mysql_old.sql")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return os.WriteFile(dst, nil, 0o644)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (o *Orchestrator) sidecarCopyDataDir() (string, error) {
	src := filepath.Join(o.deploy, "data")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", nil
	}
	dst := filepath.Join(os.TempDir(), fmt.Sprintf("nuwa-data-backup-%d", time.Now().UnixNano()))
	if err := copyDirRecursive(src, dst); err != nil {
		o.logger.Warn("sidecar data copy failed, continuing without it", "error", err)
		return "", nil
	}
	return dst, nil
}

func (o *Orchestrator) restoreDataSidecar(sidecar string) error {
	dst := filepath.Join(o.deploy, "data")
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := copyDirRecursive(sidecar, dst); err != nil {
		return err
	}
	if err := envfile.SetDirectoryPermissions(filepath.Join(dst, "mysql"), 0o775); err != nil {
		o.logger.Warn("setting mysql data directory permissions failed", "error", err)
	}
	return os.RemoveAll(sidecar)
}

func copyDirRecursive(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func (o *Orchestrator) downloadArtifact(ctx context.Context, strat strategy.Strategy) (string, error) {
	if strat.Kind == strategy.KindPatchUpgrade {
		return "", nil
	}
	target := filepath.Join(os.TempDir(), fmt.Sprintf("nuwa-full-%s.zip", strat.TargetVersion.String()))
	opts := download.Options{Version: strat.TargetVersion.String(), ExpectedHash: strat.FullHash}
	if err := o.deps.Downloader.Download(ctx, strat.FullURL, target, opts); err != nil {
		return "", err
	}
	return target, nil
}

// clearUpgradeTarget removes what the incoming artifact needs to replace,
// respecting ProtectedNames. A full upgrade wipes every other top-level
// entry under the deploy directory; a patch upgrade only removes the paths
// the patch itself touches.
func (o *Orchestrator) clearUpgradeTarget(strat strategy.Strategy) error {
	switch strat.Kind {
	case strategy.KindFullUpgrade:
		return o.clearTopLevelExcludingProtected(o.deploy)
	case strategy.KindPatchUpgrade:
		if strat.PatchInfo == nil {
			return nil
		}
		for _, rel := range strat.PatchInfo.ChangedFiles() {
			if isProtectedNameIn(o.protectedNames, strings.SplitN(rel, string(filepath.Separator), 2)[0]) {
				o.logger.Info("protected path, skipping removal", "path", rel)
				continue
			}
			target := filepath.Join(o.deploy, rel)
			if err := os.RemoveAll(target); err != nil {
				o.logger.Warn("removing patch target failed, continuing", "path", target, "error", err)
			}
		}
		return nil
	default:
		return nil
	}
}

func (o *Orchestrator) clearTopLevelExcludingProtected(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return os.MkdirAll(root, 0o755)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isProtectedNameIn(o.protectedNames, e.Name()) {
			o.logger.Info("protected top-level entry, keeping", "name", e.Name())
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			o.logger.Warn("removing top-level entry failed, continuing", "name", e.Name(), "error", err)
		}
	}
	return nil
}

// extractArtifact unpacks the downloaded artifact into the deploy
// directory. A full upgrade streams a ZIP; a patch upgrade delegates to
// patch.Executor, which already knows how to apply replace/delete
// operations from a downloaded patch tarball.
func (o *Orchestrator) extractArtifact(ctx context.Context, strat strategy.Strategy, artifactPath string) error {
	switch strat.Kind {
	case strategy.KindFullUpgrade:
		return o.extractFullZip(artifactPath)
	case strategy.KindPatchUpgrade:
		executor, err := patch.NewExecutor(o.deploy, o.deps.Downloader, o.logger)
		if err != nil {
			return err
		}
		return executor.ApplyPatch(ctx, strat.PatchInfo, nil)
	default:
		return nil
	}
}

// extractFullZip extracts zipPath into the deploy directory, stripping a
// leading "docker/" prefix some artifacts embed, skipping noise entries,
// and never overwriting an already-present protected directory.
func (o *Orchestrator) extractFullZip(zipPath string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer r.Close()

	existingProtected := make(map[string]bool)
	for _, p := range o.protectedNames {
		if _, err := os.Stat(filepath.Join(o.deploy, p)); err == nil {
			existingProtected[p] = true
		}
	}

	for _, f := range r.File {
		name := f.Name
		if skipArchiveEntry(name) {
			continue
		}
		clean := strings.TrimPrefix(name, "docker/")
		target := filepath.Join(o.deploy, filepath.FromSlash(clean))

		if rel, err := filepath.Rel(o.deploy, target); err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("artifact entry escapes deploy directory: %s", name)
		}

		topLevel := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]
		if existingProtected[topLevel] {
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return fmt.Errorf("extracting %s: %w", name, err)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func (o *Orchestrator) persistVersion(strat strategy.Strategy, firstDeployment bool) error {
	path := filepath.Join(o.deploy, versionConfigFile)
	cfg, err := version.LoadConfig(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch strat.Kind {
	case strategy.KindFullUpgrade:
		cfg.ApplyFullUpgrade(strat.TargetVersion, now)
	case strategy.KindPatchUpgrade:
		cfg.ApplyPatch(strat.TargetVersion.String(), now)
	}
	cfg.CheckInvariants(o.logger)
	return cfg.Save(path)
}

func (o *Orchestrator) generateSchemaDiff(fromVersion, toVersion string) (string, error) {
	newSQL, err := os.ReadFile(filepath.Join(o.deploy, sqlSnapshotFile))
	if err != nil {
		return "", err
	}
	oldPath := filepath.Join(os.TempDir(), "nuwa-upgrade-sql", "init_mysql_old.sql")
	var oldSQLPtr *string
	if oldData, err := os.ReadFile(oldPath); err == nil {
		if trimmed := strings.TrimSpace(string(oldData)); trimmed != "" {
			oldSQLPtr = &trimmed
		}
	}

	diff, description, err := schema.GenerateDiff(oldSQLPtr, string(newSQL), fromVersion, toVersion)
	if err != nil {
		return "", err
	}
	if !hasMeaningfulSQL(diff) {
		o.logger.Info("schema diff has no meaningful statements, skipping database upgrade")
		return "", nil
	}

	diffDir := filepath.Join(os.TempDir(), "nuwa-upgrade-sql")
	if err := os.MkdirAll(diffDir, 0o755); err != nil {
		return "", err
	}
	diffPath := filepath.Join(diffDir, "upgrade_diff.sql")
	if err := os.WriteFile(diffPath, []byte(diff), 0o644); err != nil {
		return "", err
	}
	o.logger.Info("schema diff generated", "description", description, "path", diffPath)
	return diffPath, nil
}

func hasMeaningfulSQL(sqlText string) bool {
	for _, line := range strings.Split(sqlText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "/*") {
			continue
		}
		return true
	}
	return false
}

func (o *Orchestrator) applySchemaDiff(ctx context.Context, diffPath string) error {
	cfg, err := o.deps.Containers.LoadComposeConfig()
	if err != nil {
		return err
	}
	svc, ok := findMySQLService(cfg)
	if !ok {
		return fmt.Errorf("no mysql-like service found in compose project")
	}
	creds, err := schema.CredentialsFromService(svc)
	if err != nil {
		return err
	}
	return o.deps.SchemaApplier.Apply(ctx, diffPath, creds)
}

func findMySQLService(cfg *container.ComposeConfig) (container.ComposeService, bool) {
	for name, svc := range cfg.Services {
		if strings.Contains(strings.ToLower(name), "mysql") || strings.Contains(strings.ToLower(svc.Image), "mysql") {
			return svc, true
		}
	}
	return container.ComposeService{}, false
}

// DetectArchitecture is a thin convenience wrapper kept for callers (e.g.
// cmd/) that want to log the resolved architecture before a run.
func DetectArchitecture() architecture.Architecture {
	return architecture.Detect()
}
