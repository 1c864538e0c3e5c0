package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the upgrade engine's configuration.
type Config struct {
	// Profile selects the persistent record store backend.
	// Values: "lite" (embedded SQLite, single-node) or "standard" (Postgres).
	Profile DeploymentProfile `mapstructure:"profile"`

	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Download     DownloadConfig     `mapstructure:"download"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Patch        PatchConfig        `mapstructure:"patch"`
	Container    ContainerConfig    `mapstructure:"container"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	App          AppConfig          `mapstructure:"app"`
}

// DeploymentProfile selects the persistent record store implementation.
type DeploymentProfile string

const (
	// ProfileLite stores upgrade records in an embedded SQLite file.
	// No external dependencies. Use case: single-host deployments.
	ProfileLite DeploymentProfile = "lite"

	// ProfileStandard stores upgrade records in PostgreSQL.
	ProfileStandard DeploymentProfile = "standard"
)

// StorageConfig holds persistent record store backend configuration.
type StorageConfig struct {
	// Backend determines which record store implementation is used.
	// Values: "filesystem" (Lite, SQLite file), "postgres" (Standard).
	Backend StorageBackend `mapstructure:"backend"`

	// FilesystemPath is the SQLite file path used by the Lite profile.
	FilesystemPath string `mapstructure:"filesystem_path"`
}

// StorageBackend represents the persistent record store implementation.
type StorageBackend string

const (
	StorageBackendFilesystem StorageBackend = "filesystem"
	StorageBackendPostgres   StorageBackend = "postgres"
)

// DatabaseConfig holds PostgreSQL connection configuration (Standard profile).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URL             string        `mapstructure:"url"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DownloadConfig tunes the resumable downloader.
type DownloadConfig struct {
	TimeoutSeconds          int           `mapstructure:"timeout_seconds"`
	ExtendedTimeoutSeconds  int           `mapstructure:"extended_timeout_seconds"`
	ChunkSize               int           `mapstructure:"chunk_size"`
	RetryCount              int           `mapstructure:"retry_count"`
	EnableResume            bool          `mapstructure:"enable_resume"`
	ResumeThresholdBytes    int64         `mapstructure:"resume_threshold_bytes"`
	ProgressIntervalSeconds int           `mapstructure:"progress_interval_seconds"`
	ProgressBytesInterval   int64         `mapstructure:"progress_bytes_interval"`
	MetadataSaveInterval    time.Duration `mapstructure:"metadata_save_interval"`
}

// BackupConfig tunes the cold backup engine.
type BackupConfig struct {
	Dir              string `mapstructure:"dir"`
	RetentionCount   int    `mapstructure:"retention_count"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

// PatchConfig tunes the patch executor.
type PatchConfig struct {
	ScratchDir string `mapstructure:"scratch_dir"`
}

// ContainerConfig tunes container/compose control.
type ContainerConfig struct {
	ComposeFile      string        `mapstructure:"compose_file"`
	EnvFile          string        `mapstructure:"env_file"`
	ConfigCacheTTL   time.Duration `mapstructure:"config_cache_ttl"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ReadinessPoll    time.Duration `mapstructure:"readiness_poll"`
}

// OrchestratorConfig tunes the upgrade orchestrator pipeline.
type OrchestratorConfig struct {
	DeployDir        string   `mapstructure:"deploy_dir"`
	ManifestURL      string   `mapstructure:"manifest_url"`
	ForceFull        bool     `mapstructure:"force_full"`
	ProtectedNames   []string `mapstructure:"protected_names"`
	PreUpgradeBackup bool     `mapstructure:"pre_upgrade_backup"`
}

// AppConfig holds identity and environment metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig("")
}

func setDefaults() {
	viper.SetDefault("profile", "lite")
	viper.SetDefault("storage.backend", "filesystem")
	viper.SetDefault("storage.filesystem_path", "/data/nuwa-upgrade/store.db")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "nuwa_upgrade")
	viper.SetDefault("database.username", "nuwa")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("database.min_connections", 1)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("download.timeout_seconds", 3600)
	viper.SetDefault("download.extended_timeout_seconds", 7200)
	viper.SetDefault("download.chunk_size", 8192)
	viper.SetDefault("download.retry_count", 3)
	viper.SetDefault("download.enable_resume", true)
	viper.SetDefault("download.resume_threshold_bytes", 1048576)
	viper.SetDefault("download.progress_interval_seconds", 10)
	viper.SetDefault("download.progress_bytes_interval", 104857600)
	viper.SetDefault("download.metadata_save_interval", "5m")

	viper.SetDefault("backup.dir", "/data/nuwa-upgrade/backups")
	viper.SetDefault("backup.retention_count", 5)
	viper.SetDefault("backup.compression_level", 6)

	viper.SetDefault("patch.scratch_dir", "/data/nuwa-upgrade/scratch")

	viper.SetDefault("container.compose_file", "docker-compose.yml")
	viper.SetDefault("container.env_file", ".env")
	viper.SetDefault("container.config_cache_ttl", "30s")
	viper.SetDefault("container.readiness_timeout", "5m")
	viper.SetDefault("container.readiness_poll", "2s")

	viper.SetDefault("orchestrator.deploy_dir", "/opt/nuwa")
	viper.SetDefault("orchestrator.force_full", false)
	viper.SetDefault("orchestrator.protected_names", []string{
		"upload", "project_workspace", "project_zips", "project_nginx",
		"project_init", "uv_cache", "data",
	})
	viper.SetDefault("orchestrator.pre_upgrade_backup", true)

	viper.SetDefault("app.name", "nuwa-upgrade")
	viper.SetDefault("app.environment", "production")
	viper.SetDefault("app.debug", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	if c.Orchestrator.DeployDir == "" {
		return fmt.Errorf("orchestrator.deploy_dir cannot be empty")
	}

	return nil
}

func (c *Config) validateProfile() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	if c.Storage.Backend != StorageBackendFilesystem && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("invalid storage backend: %s (must be 'filesystem' or 'postgres')", c.Storage.Backend)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendFilesystem {
			return fmt.Errorf("lite profile requires storage.backend='filesystem' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.FilesystemPath == "" {
			return fmt.Errorf("lite profile requires storage.filesystem_path")
		}
	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty (required for standard profile)")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty (required for standard profile)")
		}
	}

	return nil
}

// GetDatabaseURL constructs the Postgres connection URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsLiteProfile returns true if running with the embedded SQLite store.
func (c *Config) IsLiteProfile() bool {
	return c.Profile == ProfileLite
}

// IsStandardProfile returns true if running with the PostgreSQL store.
func (c *Config) IsStandardProfile() bool {
	return c.Profile == ProfileStandard
}

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool {
	return c.App.Debug
}
