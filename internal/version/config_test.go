package version

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "version.json")
	now := time.Now().UTC().Truncate(time.Second)

	cfg := &Config{}
	v, err := Parse("0.0.13.0")
	require.NoError(t, err)
	cfg.ApplyFullUpgrade(v, now)

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.13", loaded.DockerService)
	assert.Equal(t, "0.0.13.0", loaded.FullVersionWithPatches)
	require.NotNil(t, loaded.LastFullUpgrade)
	assert.True(t, loaded.LastFullUpgrade.Equal(now))
}

func TestApplyPatchAdvancesLevelAndHistory(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cfg := &Config{DockerService: "0.0.13"}
	cfg.ApplyPatch("0.0.13.1", now)
	cfg.ApplyPatch("0.0.13.2", now.Add(time.Hour))

	assert.Equal(t, uint32(2), cfg.LocalPatchLevel)
	assert.Equal(t, "0.0.13.2", cfg.FullVersionWithPatches)
	require.Len(t, cfg.AppliedPatches, 2)
	assert.Equal(t, uint32(1), cfg.AppliedPatches[0].Level)
	assert.Equal(t, uint32(2), cfg.AppliedPatches[1].Level)
}

func TestCheckInvariantsDoesNotPanicOnDeviation(t *testing.T) {
	cfg := &Config{DockerService: "0.0.13", LocalPatchLevel: 5, FullVersionWithPatches: "wrong"}
	assert.NotPanics(t, func() { cfg.CheckInvariants(nil) })
}
