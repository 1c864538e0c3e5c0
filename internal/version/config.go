package version

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// AppliedPatch records one patch applied on top of a docker_service base
// release.
type AppliedPatch struct {
	Version   string    `json:"version"`
	Level     uint32    `json:"level"`
	AppliedAt time.Time `json:"applied_at"`
}

// Config is the persisted record of what is currently deployed: the base
// docker_service release, how many patches have been layered onto it, and
// the history of those patches. It is written only by the upgrade
// orchestrator, after a pipeline run completes successfully.
type Config struct {
	DockerService          string         `json:"docker_service"`
	PatchVersion           string         `json:"patch_version"`
	LocalPatchLevel        uint32         `json:"local_patch_level"`
	FullVersionWithPatches string         `json:"full_version_with_patches"`
	LastFullUpgrade        *time.Time     `json:"last_full_upgrade,omitempty"`
	LastPatchUpgrade       *time.Time     `json:"last_patch_upgrade,omitempty"`
	AppliedPatches         []AppliedPatch `json:"applied_patches"`
}

// LoadConfig reads and parses a VersionConfig JSON file. A missing file is
// not an error: it returns a zero-value Config, the state of a system that
// has never completed an upgrade pipeline.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("version: reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("version: parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories as
// needed. It writes to a temporary file in the same directory and renames
// it into place, so a crash mid-write never leaves a truncated config file
// behind.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("version: creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("version: marshaling config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".version-config-*.tmp")
	if err != nil {
		return fmt.Errorf("version: creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("version: writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("version: closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("version: renaming temp config file into place: %w", err)
	}
	return nil
}

// ApplyFullUpgrade resets patch history after a full upgrade to newVersion.
func (c *Config) ApplyFullUpgrade(newVersion Version, at time.Time) {
	c.DockerService = newVersion.BaseVersionString()
	c.PatchVersion = ""
	c.LocalPatchLevel = 0
	c.FullVersionWithPatches = c.DockerService + ".0"
	c.LastFullUpgrade = &at
	c.AppliedPatches = nil
}

// ApplyPatch records one patch application, advancing the patch level and
// appending to the patch history.
func (c *Config) ApplyPatch(patchVersion string, at time.Time) {
	c.LocalPatchLevel++
	c.PatchVersion = patchVersion
	c.FullVersionWithPatches = fmt.Sprintf("%s.%d", c.DockerService, c.LocalPatchLevel)
	c.LastPatchUpgrade = &at
	c.AppliedPatches = append(c.AppliedPatches, AppliedPatch{
		Version:   patchVersion,
		Level:     c.LocalPatchLevel,
		AppliedAt: at,
	})
}

// CheckInvariants validates the two documented post-migration invariants,
// logging any deviation rather than failing: full_version_with_patches must
// equal "<docker_service>.<local_patch_level>", and the number of recorded
// applied patches must equal local_patch_level.
func (c *Config) CheckInvariants(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	expected := fmt.Sprintf("%s.%d", c.DockerService, c.LocalPatchLevel)
	if c.FullVersionWithPatches != expected {
		logger.Warn("version config invariant deviation",
			"field", "full_version_with_patches",
			"expected", expected,
			"actual", c.FullVersionWithPatches)
	}
	if uint32(len(c.AppliedPatches)) != c.LocalPatchLevel {
		logger.Warn("version config invariant deviation",
			"field", "applied_patches.len",
			"expected", c.LocalPatchLevel,
			"actual", len(c.AppliedPatches))
	}
}
