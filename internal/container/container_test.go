package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const sampleCompose = `
name: myproj
services:
  app:
    image: nginx
    restart: always
    volumes:
      - ./data:/app/data
      - ./config:/app/config:ro
      - named_volume:/app/named
      - /absolute/path:/app/absolute
  migrate:
    image: migrate
    restart: "no"
    volumes:
      - ./data:/var/lib/data
`

func newTestManager(t *testing.T, workDir string) *Manager {
	t.Helper()
	mgr, err := NewManager(workDir, "docker-compose.yml", "", nil)
	require.NoError(t, err)
	return mgr
}

func TestLoadComposeConfigParsesServicesAndCachesResult(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "docker-compose.yml"), sampleCompose)

	mgr := newTestManager(t, workDir)
	cfg, err := mgr.LoadComposeConfig()
	require.NoError(t, err)
	assert.Equal(t, "myproj", cfg.Name)
	assert.Equal(t, "myproj", mgr.ProjectName())
	assert.Len(t, cfg.Services, 2)

	names, err := mgr.GetComposeServiceNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app", "migrate"}, names)

	assert.True(t, cfg.Services["migrate"].IsOneshotService())
	assert.False(t, cfg.Services["app"].IsOneshotService())

	// Overwrite on disk; cached result should still be returned within TTL.
	writeFile(t, filepath.Join(workDir, "docker-compose.yml"), "name: changed\nservices: {}\n")
	cfg2, err := mgr.LoadComposeConfig()
	require.NoError(t, err)
	assert.Equal(t, "myproj", cfg2.Name, "cached config should be reused within the TTL window")
}

func TestExtractMountDirectoriesExcludesNamedVolumes(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "docker-compose.yml"), sampleCompose)

	mgr := newTestManager(t, workDir)
	cfg, err := mgr.LoadComposeConfig()
	require.NoError(t, err)

	mounts := mgr.ExtractMountDirectories(cfg)

	var hostPaths []string
	for _, m := range mounts {
		hostPaths = append(hostPaths, m.HostPath)
	}

	assert.Contains(t, hostPaths, filepath.Join(workDir, "data"))
	assert.Contains(t, hostPaths, filepath.Join(workDir, "config"))
	assert.Contains(t, hostPaths, "/absolute/path")
	assert.NotContains(t, hostPaths, "named_volume")
}

func TestEnsureHostVolumesExistCreatesMissingDirectories(t *testing.T) {
	workDir := t.TempDir()
	compose := `
name: proj
services:
  app:
    image: nginx
    volumes:
      - ./data:/app/data
`
	writeFile(t, filepath.Join(workDir, "docker-compose.yml"), compose)

	mgr := newTestManager(t, workDir)
	require.NoError(t, mgr.EnsureHostVolumesExist(nil))

	info, err := os.Stat(filepath.Join(workDir, "data"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestIsServiceNameMatchAcceptsComposeNamingConventions(t *testing.T) {
	cases := []struct {
		container string
		match     bool
	}{
		{"myproj_app_1", true},
		{"myproj-app-1", true},
		{"myproj_app", true},
		{"app", true},
		{"myproj_other_1", false},
		{"totallyunrelated", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.match, isServiceNameMatch(c.container, "myproj", "app"), c.container)
	}
}

func TestClassifyContainerStateMapsDockerStrings(t *testing.T) {
	assert.Equal(t, StatusRunning, classifyContainerState("running"))
	assert.Equal(t, StatusStopped, classifyContainerState("exited"))
	assert.Equal(t, StatusStopped, classifyContainerState("dead"))
	assert.Equal(t, StatusRestarting, classifyContainerState("restarting"))
	assert.Equal(t, StatusCreated, classifyContainerState("created"))
	assert.Equal(t, StatusUnknown, classifyContainerState("weird"))
}
