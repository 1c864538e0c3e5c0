package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseValidConfig() Config {
	return Config{
		Profile: ProfileLite,
		Storage: StorageConfig{Backend: StorageBackendFilesystem, FilesystemPath: "/data/store.db"},
		Log:     LogConfig{Level: "info"},
		Orchestrator: OrchestratorConfig{
			DeployDir: "/opt/nuwa",
		},
		App: AppConfig{Name: "nuwa-upgrade"},
	}
}

func TestValidateAcceptsLiteProfileWithFilesystemBackend(t *testing.T) {
	cfg := baseValidConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsLiteProfileWithPostgresBackend(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Storage.Backend = StorageBackendPostgres
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownProfile(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Profile = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsStandardProfileWithDatabaseFields(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Profile = ProfileStandard
	cfg.Storage.Backend = StorageBackendPostgres
	cfg.Database = DatabaseConfig{Host: "db.internal", Database: "nuwa_upgrade"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsStandardProfileMissingDatabaseHost(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Profile = ProfileStandard
	cfg.Storage.Backend = StorageBackendPostgres
	cfg.Database = DatabaseConfig{Database: "nuwa_upgrade"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Log.Level = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyAppName(t *testing.T) {
	cfg := baseValidConfig()
	cfg.App.Name = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyDeployDir(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Orchestrator.DeployDir = ""
	assert.Error(t, cfg.Validate())
}

func TestGetDatabaseURLPrefersExplicitURL(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Database.URL = "postgres://explicit/dsn"
	assert.Equal(t, "postgres://explicit/dsn", cfg.GetDatabaseURL())
}

func TestGetDatabaseURLBuildsFromFieldsWithDefaultSSLMode(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Database = DatabaseConfig{Host: "localhost", Port: 5432, Database: "nuwa", Username: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@localhost:5432/nuwa?sslmode=disable", cfg.GetDatabaseURL())
}

func TestGetDatabaseURLHonorsExplicitSSLMode(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Database = DatabaseConfig{Host: "localhost", Port: 5432, Database: "nuwa", SSLMode: "require"}
	assert.Contains(t, cfg.GetDatabaseURL(), "sslmode=require")
}

func TestProfileHelpers(t *testing.T) {
	lite := baseValidConfig()
	assert.True(t, lite.IsLiteProfile())
	assert.False(t, lite.IsStandardProfile())

	standard := baseValidConfig()
	standard.Profile = ProfileStandard
	assert.False(t, standard.IsLiteProfile())
	assert.True(t, standard.IsStandardProfile())

	standard.App.Debug = true
	assert.True(t, standard.IsDebug())
}
