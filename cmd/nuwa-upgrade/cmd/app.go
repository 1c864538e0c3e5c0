package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuwax-ai/nuwa-upgrade/internal/backup"
	"github.com/nuwax-ai/nuwa-upgrade/internal/config"
	"github.com/nuwax-ai/nuwa-upgrade/internal/container"
	"github.com/nuwax-ai/nuwa-upgrade/internal/download"
	"github.com/nuwax-ai/nuwa-upgrade/internal/health"
	"github.com/nuwax-ai/nuwa-upgrade/internal/manifest"
	"github.com/nuwax-ai/nuwa-upgrade/internal/orchestrator"
	"github.com/nuwax-ai/nuwa-upgrade/internal/schema"
	"github.com/nuwax-ai/nuwa-upgrade/internal/store"
	"github.com/nuwax-ai/nuwa-upgrade/internal/telemetry"
	"github.com/nuwax-ai/nuwa-upgrade/internal/version"
	"github.com/nuwax-ai/nuwa-upgrade/pkg/logger"
)

// versionConfigFile mirrors the orchestrator's own on-disk record name: the
// CLI reads it to learn the currently-deployed version before calling Run.
const versionConfigFile = "version_config.json"

// App is the single context struct every subcommand is built against: the
// loaded configuration plus every collaborator wired from it. No package-
// level globals hold any of this — each Cobra command pulls what it needs
// off the App its RunE closure captured.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      *store.Store
	Downloader *download.Downloader
	Containers *container.Manager
	Backups    *backup.Manager
	Schema     *schema.Applier
	Health     *health.Checker
	Manifests  *manifest.Fetcher
	Telemetry  *telemetry.Recorder

	Orchestrator *orchestrator.Orchestrator
}

// buildApp loads configuration from configPath (empty uses environment
// variables only, per config.LoadConfigFromEnv) and wires every
// collaborator package needs for the CLI surface. projectName overrides
// COMPOSE_PROJECT_NAME when non-empty; otherwise the compose file's own
// name (or "docker") applies. The returned App owns App.Store's connection;
// callers must Close it.
func buildApp(configPath, projectName string) (*App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	recorder := telemetry.NewRecorder(prometheus.NewRegistry())

	containers, err := container.NewManager(cfg.Orchestrator.DeployDir, cfg.Container.ComposeFile, cfg.Container.EnvFile, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("wiring container manager: %w", err)
	}
	containers = containers.WithProjectName(projectName)

	downloader := download.New(download.Config{
		TimeoutSeconds:          cfg.Download.TimeoutSeconds,
		ExtendedTimeoutSeconds:  cfg.Download.ExtendedTimeoutSeconds,
		ChunkSize:               cfg.Download.ChunkSize,
		RetryCount:              cfg.Download.RetryCount,
		EnableResume:            cfg.Download.EnableResume,
		ResumeThresholdBytes:    cfg.Download.ResumeThresholdBytes,
		ProgressIntervalSeconds: cfg.Download.ProgressIntervalSeconds,
		ProgressBytesInterval:   cfg.Download.ProgressBytesInterval,
		MetadataSaveInterval:    cfg.Download.MetadataSaveInterval,
	}).WithRecorder(recorder)

	backups, err := backup.NewManager(cfg.Backup.Dir, st, containers, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("wiring backup manager: %w", err)
	}
	backups = backups.WithRecorder(recorder)

	healthChecker := health.NewChecker(containers, log)
	schemaApplier := schema.NewApplier(nil, log)
	manifestFetcher := manifest.NewFetcher(0)

	orch := orchestrator.New(cfg.Orchestrator.DeployDir, cfg.Orchestrator.ManifestURL, orchestrator.Dependencies{
		ManifestFetcher: manifestFetcher,
		Downloader:      downloader,
		Containers:      containers,
		HealthChecker:   healthChecker,
		Backups:         backups,
		SchemaApplier:   schemaApplier,
		ProtectedNames:  cfg.Orchestrator.ProtectedNames,
		Telemetry:       recorder,
		Logger:          log,
	})

	return &App{
		Config:       cfg,
		Logger:       log,
		Store:        st,
		Downloader:   downloader,
		Containers:   containers,
		Backups:      backups,
		Schema:       schemaApplier,
		Health:       healthChecker,
		Manifests:    manifestFetcher,
		Telemetry:    recorder,
		Orchestrator: orch,
	}, nil
}

// CurrentVersion reads the on-disk VersionConfig and resolves it to the
// four-part version the orchestrator and strategy decider compare against.
// A system that has never completed an upgrade pipeline has no recorded
// version; that is not an error, it is the first-deployment case (zero
// value, base version 0.0.0).
func (a *App) CurrentVersion() (version.Version, error) {
	path := filepath.Join(a.Config.Orchestrator.DeployDir, versionConfigFile)
	cfg, err := version.LoadConfig(path)
	if err != nil {
		return version.Version{}, fmt.Errorf("reading version config: %w", err)
	}
	full := cfg.FullVersionWithPatches
	if full == "" {
		full = cfg.DockerService
	}
	if full == "" {
		return version.Version{}, nil
	}
	return version.Parse(full)
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.LoadConfigFromEnv()
}

func openStore(cfg *config.Config, log *slog.Logger) (*store.Store, error) {
	var storeCfg store.Config
	switch cfg.Profile {
	case config.ProfileStandard:
		storeCfg = store.Config{Dialect: store.DialectPostgres, DSN: cfg.GetDatabaseURL(), MaxConns: cfg.Database.MaxConnections, ConnMaxLifetime: cfg.Database.MaxConnLifetime}
	default:
		storeCfg = store.Config{Dialect: store.DialectSQLite, DSN: cfg.Storage.FilesystemPath}
	}

	st, err := store.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrating record store: %w", err)
	}
	return st, nil
}
