// Package container controls the docker-compose working tree an upgrade
// targets: starting, stopping, and restarting services, inspecting
// container status through the Docker Engine API, and matching compose
// service names against the container names Docker actually assigns them.
package container

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// composeCacheTTL is how long a parsed compose config is reused before a
// reader re-parses the file from disk.
const composeCacheTTL = 30 * time.Second

// ComposeConfig is the subset of a docker-compose file this package needs:
// per-service volume mounts and restart policy.
type ComposeConfig struct {
	Name     string                    `yaml:"name"`
	Services map[string]ComposeService `yaml:"services"`
}

// ComposeService is one service block within a compose file.
type ComposeService struct {
	Image       string            `yaml:"image"`
	Volumes     []string          `yaml:"volumes"`
	Restart     string            `yaml:"restart"`
	Environment map[string]string `yaml:"environment"`
	Ports       []string          `yaml:"ports"`
}

// IsOneshotService reports whether the service's restart policy marks it as
// a run-once job rather than a long-lived daemon ("no"/"false"), as opposed
// to "always"/"unless-stopped"/"on-failure".
func (s ComposeService) IsOneshotService() bool {
	switch s.Restart {
	case "no", "false":
		return true
	default:
		return false
	}
}

// MountInfo describes one bind-mounted host directory a compose service
// expects to exist.
type MountInfo struct {
	ServiceName  string
	HostPath     string
	ContainerPath string
	IsBindMount  bool
}

type composeCacheEntry struct {
	config    *ComposeConfig
	loadedAt  time.Time
}

type composeCacheKey struct {
	composePath string
	envPath     string
}

// Manager controls a single docker-compose project: starting/stopping
// services via the compose CLI and inspecting their status via the Docker
// Engine API.
type Manager struct {
	composeFile string
	envFile     string
	workDir     string
	projectName string

	docker *client.Client
	cache  *lru.Cache[composeCacheKey, composeCacheEntry]
	logger *slog.Logger
}

// NewManager creates a Manager for the compose project rooted at workDir,
// with composeFile and envFile relative to or absolute within it. The Docker
// Engine client is created lazily from the environment on first use.
func NewManager(workDir, composeFile, envFile string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[composeCacheKey, composeCacheEntry](16)
	if err != nil {
		return nil, fmt.Errorf("creating compose cache: %w", err)
	}
	return &Manager{
		workDir:     workDir,
		composeFile: composeFile,
		envFile:     envFile,
		projectName: "docker",
		logger:      logger,
		cache:       cache,
	}, nil
}

// WithProjectName overrides the COMPOSE_PROJECT_NAME Manager uses until the
// next LoadComposeConfig call with a compose file that declares its own
// `name:` (which always wins). Callers use this to honor an operator-supplied
// --project flag instead of the "docker" default.
func (m *Manager) WithProjectName(name string) *Manager {
	if name != "" {
		m.projectName = name
	}
	return m
}

// ComposeFileExists reports whether the bound compose file is present. The
// caller uses this to distinguish a first deployment (no compose dir yet)
// from an existing install.
func (m *Manager) ComposeFileExists() bool {
	_, err := os.Stat(m.composePath())
	return err == nil
}

func (m *Manager) composePath() string {
	if filepath.IsAbs(m.composeFile) {
		return m.composeFile
	}
	return filepath.Join(m.workDir, m.composeFile)
}

func (m *Manager) envPath() string {
	if m.envFile == "" {
		return ""
	}
	if filepath.IsAbs(m.envFile) {
		return m.envFile
	}
	return filepath.Join(m.workDir, m.envFile)
}

// LoadComposeConfig parses the bound compose file, expanding environment
// variables the way `docker compose` itself does, and caches the result for
// composeCacheTTL. Callers tolerate a stale read within the TTL window; a
// cache miss refreshes from disk.
func (m *Manager) LoadComposeConfig() (*ComposeConfig, error) {
	key := composeCacheKey{composePath: m.composePath(), envPath: m.envPath()}
	if entry, ok := m.cache.Get(key); ok && time.Since(entry.loadedAt) < composeCacheTTL {
		return entry.config, nil
	}

	cfg, err := loadComposeConfigWithEnv(m.composePath(), m.envPath())
	if err != nil {
		return nil, err
	}

	if cfg.Name != "" {
		m.projectName = cfg.Name
	}

	m.cache.Add(key, composeCacheEntry{config: cfg, loadedAt: time.Now()})
	return cfg, nil
}

// loadComposeConfigWithEnv reads composePath, expands ${VAR}/$VAR references
// against envPath's variables plus the process environment, then parses the
// result as YAML.
func loadComposeConfigWithEnv(composePath, envPath string) (*ComposeConfig, error) {
	raw, err := os.ReadFile(composePath)
	if err != nil {
		return nil, fmt.Errorf("reading compose file %s: %w", composePath, err)
	}

	envVars := map[string]string{}
	if envPath != "" {
		if vars, err := loadDotEnv(envPath); err == nil {
			envVars = vars
		}
	}

	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := envVars[key]; ok {
			return v
		}
		return os.Getenv(key)
	})

	var cfg ComposeConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing compose yaml %s: %w", composePath, err)
	}
	return &cfg, nil
}

func loadDotEnv(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out, nil
}

// GetComposeServiceNames returns the service names defined in the compose
// file, in no particular order.
func (m *Manager) GetComposeServiceNames() ([]string, error) {
	cfg, err := m.LoadComposeConfig()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	return names, nil
}

// ProjectName returns COMPOSE_PROJECT_NAME: the compose file's own `name:`
// field if set, else the WithProjectName override, else "docker".
func (m *Manager) ProjectName() string {
	return m.projectName
}

// generateComposeContainerPatterns returns the naming conventions Docker
// Compose has used across versions for a given service's container name,
// most-specific first.
func generateComposeContainerPatterns(project, service string) []string {
	return []string{
		fmt.Sprintf("%s_%s_1", project, service),
		fmt.Sprintf("%s-%s-1", project, service),
		fmt.Sprintf("%s_%s", project, service),
		fmt.Sprintf("%s-%s", project, service),
		service,
	}
}

// isServiceNameMatch reports whether containerName belongs to service,
// trying an exact match, then each generated naming-convention pattern, then
// a separator-aware prefix/suffix check.
func isServiceNameMatch(containerName, project, service string) bool {
	if containerName == service {
		return true
	}
	for _, pattern := range generateComposeContainerPatterns(project, service) {
		if containerName == pattern {
			return true
		}
	}
	for _, sep := range []string{"_", "-"} {
		prefix := project + sep + service + sep
		if strings.HasPrefix(containerName, prefix) {
			return true
		}
		suffix := sep + service
		if strings.HasSuffix(containerName, suffix) {
			return true
		}
	}
	return false
}

// ExtractMountDirectories walks every service's bind mounts in cfg and
// returns the flat list, resolving relative host paths against workDir.
// Named volumes are excluded.
func (m *Manager) ExtractMountDirectories(cfg *ComposeConfig) []MountInfo {
	var mounts []MountInfo
	for serviceName, svc := range cfg.Services {
		for _, spec := range svc.Volumes {
			if mi, ok := m.parseVolumeSpec(serviceName, spec); ok {
				mounts = append(mounts, mi)
			}
		}
	}
	return mounts
}

func (m *Manager) parseVolumeSpec(serviceName, spec string) (MountInfo, bool) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return MountInfo{}, false
	}
	hostPath, containerPath := parts[0], parts[1]
	if !isBindMountPath(hostPath) {
		return MountInfo{}, false
	}

	normalized := normalizeMountPath(hostPath)
	abs := normalized
	if !filepath.IsAbs(normalized) {
		abs = filepath.Join(m.workDir, normalized)
	}

	return MountInfo{
		ServiceName:   serviceName,
		HostPath:      abs,
		ContainerPath: containerPath,
		IsBindMount:   true,
	}, true
}

func isBindMountPath(path string) bool {
	return path != "" &&
		(filepath.IsAbs(path) ||
			strings.HasPrefix(path, "./") ||
			strings.HasPrefix(path, "../") ||
			strings.Contains(path, "/"))
}

func normalizeMountPath(path string) string {
	cleaned := filepath.Clean(path)
	if cleaned == "." {
		return "."
	}
	return cleaned
}

// EnsureHostVolumesExist creates every bind-mounted host directory the
// compose file references that does not already exist.
func (m *Manager) EnsureHostVolumesExist(ctx context.Context) error {
	cfg, err := m.LoadComposeConfig()
	if err != nil {
		return err
	}
	mounts := m.ExtractMountDirectories(cfg)
	if len(mounts) == 0 {
		m.logger.Info("no host volume directories to create")
		return nil
	}

	for _, mount := range mounts {
		if err := createHostDirectoryIfNotExists(mount.HostPath); err != nil {
			return err
		}
	}
	m.logger.Info("host volume directories verified", "count", len(mounts))
	return nil
}

func createHostDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	target := path
	if filepath.Ext(path) != "" {
		target = filepath.Dir(path)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating host volume directory %s: %w", target, err)
	}
	return nil
}

// runComposeCommand runs `docker compose <args...>` in workDir, returning an
// error carrying stdout/stderr/exit code on non-zero exit.
func (m *Manager) runComposeCommand(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", m.composePath()}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	cmd.Dir = m.workDir
	cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME="+m.projectName)

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s: %w (stdout=%q stderr=%q)",
			strings.Join(full, " "), err, stdout.String(), stderr.String())
	}
	return nil
}

// StartServices runs `docker compose up -d` after ensuring host volume
// directories exist, then polls until every service is running.
func (m *Manager) StartServices(ctx context.Context) error {
	if err := m.EnsureHostVolumesExist(ctx); err != nil {
		return err
	}
	if err := m.runComposeCommand(ctx, "up", "-d"); err != nil {
		return err
	}
	return m.VerifyServicesStarted(ctx, 0)
}

// StopServices runs `docker compose down`.
func (m *Manager) StopServices(ctx context.Context) error {
	return m.runComposeCommand(ctx, "down")
}

// RestartServices stops then starts the whole project.
func (m *Manager) RestartServices(ctx context.Context) error {
	if err := m.StopServices(ctx); err != nil {
		return err
	}
	return m.StartServices(ctx)
}

// RestartService stops then starts a single named service.
func (m *Manager) RestartService(ctx context.Context, name string) error {
	if err := m.runComposeCommand(ctx, "stop", name); err != nil {
		return err
	}
	return m.runComposeCommand(ctx, "start", name)
}

// ServiceStatus classifies a single container's lifecycle state.
type ServiceStatus string

const (
	StatusRunning    ServiceStatus = "running"
	StatusStopped    ServiceStatus = "stopped"
	StatusCreated    ServiceStatus = "created"
	StatusRestarting ServiceStatus = "restarting"
	StatusUnknown    ServiceStatus = "unknown"
)

// ServiceInfo is a service's resolved status and the backing image name.
type ServiceInfo struct {
	ServiceName string
	Image       string
	Status      ServiceStatus
	ContainerID string
}

func (m *Manager) dockerClient() (*client.Client, error) {
	if m.docker != nil {
		return m.docker, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker engine: %w", err)
	}
	m.docker = cli
	return cli, nil
}

func classifyContainerState(state string) ServiceStatus {
	s := strings.ToLower(state)
	switch {
	case strings.Contains(s, "running"):
		return StatusRunning
	case strings.Contains(s, "restarting"):
		return StatusRestarting
	case strings.Contains(s, "created"):
		return StatusCreated
	case strings.Contains(s, "exited"), strings.Contains(s, "dead"), strings.Contains(s, "paused"):
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// statusPriority ranks statuses so that when multiple containers match one
// service name, the best (most "alive") status wins.
func statusPriority(s ServiceStatus) int {
	switch s {
	case StatusRunning:
		return 2
	case StatusStopped:
		return 1
	default:
		return 0
	}
}

// GetServicesStatus lists all containers and maps each compose service name
// to its best-matching container's status. Services with no matching
// container are reported as Stopped with a placeholder image.
func (m *Manager) GetServicesStatus(ctx context.Context) ([]ServiceInfo, error) {
	names, err := m.GetComposeServiceNames()
	if err != nil {
		return nil, err
	}

	cli, err := m.dockerClient()
	if err != nil {
		return nil, err
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	results := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		best := ServiceInfo{ServiceName: name, Image: "not started", Status: StatusStopped}
		for _, c := range containers {
			for _, cn := range c.Names {
				cn = strings.TrimPrefix(cn, "/")
				if !isServiceNameMatch(cn, m.projectName, name) {
					continue
				}
				candidate := ServiceInfo{
					ServiceName: name,
					Image:       c.Image,
					Status:      classifyContainerState(c.State),
					ContainerID: c.ID,
				}
				if best.ContainerID == "" || statusPriority(candidate.Status) > statusPriority(best.Status) {
					best = candidate
				}
			}
		}
		results = append(results, best)
	}
	return results, nil
}

// IsServiceRunning reports whether the named service currently has a
// running container.
func (m *Manager) IsServiceRunning(ctx context.Context, name string) (bool, error) {
	statuses, err := m.GetServicesStatus(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if s.ServiceName == name {
			return s.Status == StatusRunning, nil
		}
	}
	return false, nil
}

// CheckServicesHealth requires every compose service to be Running; it
// returns an error naming every service that is not.
func (m *Manager) CheckServicesHealth(ctx context.Context) error {
	statuses, err := m.GetServicesStatus(ctx)
	if err != nil {
		return err
	}
	var unhealthy []string
	for _, s := range statuses {
		if s.Status != StatusRunning {
			unhealthy = append(unhealthy, fmt.Sprintf("%s(%s)", s.ServiceName, s.Status))
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy services: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// VerifyServicesStarted polls GetServicesStatus until every service is
// Running or one-shot-tolerant, failing fast on any service that is
// Stopped (and not one-shot), and timing out on persistent Unknown/Created/
// Restarting state. timeout of 0 uses a 2-minute default with a 2-second
// poll interval.
func (m *Manager) VerifyServicesStarted(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	const pollInterval = 2 * time.Second

	cfg, err := m.LoadComposeConfig()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		statuses, err := m.GetServicesStatus(ctx)
		if err != nil {
			return err
		}

		var failed, pending []string
		for _, s := range statuses {
			svc := cfg.Services[s.ServiceName]
			switch s.Status {
			case StatusRunning:
				// ok
			case StatusStopped:
				if !svc.IsOneshotService() {
					failed = append(failed, s.ServiceName)
				}
			default:
				pending = append(pending, s.ServiceName)
			}
		}

		if len(failed) == 0 && len(pending) == 0 {
			return nil
		}
		if len(failed) > 0 {
			return fmt.Errorf("services stopped after start: failed=%v pending=%v", failed, pending)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("services did not start within %s: failed=%v pending=%v", timeout, failed, pending)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
