// Package health classifies the running state of an upgrade target's
// containers, turning the low-level per-container status the container
// package reports into the overall service status an orchestrator decides
// on: are we clear to proceed, still starting up, or down.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuwax-ai/nuwa-upgrade/internal/container"
	"github.com/nuwax-ai/nuwa-upgrade/internal/retry"
)

// ContainerState is the lifecycle state of a single container, adjusted for
// whether the service it belongs to is a run-once job.
type ContainerState string

const (
	ContainerRunning   ContainerState = "running"
	ContainerStopped   ContainerState = "stopped"
	ContainerStarting  ContainerState = "starting"
	ContainerCompleted ContainerState = "completed"
	ContainerUnknown   ContainerState = "unknown"
)

// IsHealthy reports whether the state counts as healthy: still running, or a
// one-shot job that finished successfully.
func (s ContainerState) IsHealthy() bool {
	return s == ContainerRunning || s == ContainerCompleted
}

// IsTransitioning reports whether the container is still coming up.
func (s ContainerState) IsTransitioning() bool {
	return s == ContainerStarting
}

// IsFailed reports whether the container is in a state that needs attention.
func (s ContainerState) IsFailed() bool {
	return s == ContainerStopped || s == ContainerUnknown
}

func classify(status container.ServiceStatus, oneshot bool) ContainerState {
	switch status {
	case container.StatusRunning:
		return ContainerRunning
	case container.StatusStopped:
		if oneshot {
			return ContainerCompleted
		}
		return ContainerStopped
	case container.StatusRestarting, container.StatusCreated:
		return ContainerStarting
	default:
		return ContainerUnknown
	}
}

// ContainerInfo is one service's resolved health state.
type ContainerInfo struct {
	ServiceName string
	Image       string
	State       ContainerState
	IsOneshot   bool
}

// ServiceStatus is the overall status across every service in the compose
// project.
type ServiceStatus string

const (
	AllRunning       ServiceStatus = "all_running"
	PartiallyRunning ServiceStatus = "partially_running"
	AllStopped       ServiceStatus = "all_stopped"
	Starting         ServiceStatus = "starting"
	Unknown          ServiceStatus = "unknown"
	NoContainer      ServiceStatus = "no_container"
)

// IsHealthy reports whether the overall status counts as ready to proceed.
func (s ServiceStatus) IsHealthy() bool {
	return s == AllRunning
}

// Report is a point-in-time health check result across every compose
// service.
type Report struct {
	Containers []ContainerInfo
	CheckedAt  time.Time
}

// RunningCount returns how many containers are actively running, excluding
// completed one-shot jobs.
func (r *Report) RunningCount() int {
	n := 0
	for _, c := range r.Containers {
		if c.State == ContainerRunning {
			n++
		}
	}
	return n
}

// OneshotCount returns how many containers are one-shot services.
func (r *Report) OneshotCount() int {
	n := 0
	for _, c := range r.Containers {
		if c.IsOneshot {
			n++
		}
	}
	return n
}

// HealthyCount returns how many containers are running or completed
// one-shot jobs.
func (r *Report) HealthyCount() int {
	n := 0
	for _, c := range r.Containers {
		if c.State.IsHealthy() {
			n++
		}
	}
	return n
}

// FailedContainers returns the services in a failed state.
func (r *Report) FailedContainers() []ContainerInfo {
	var out []ContainerInfo
	for _, c := range r.Containers {
		if c.State.IsFailed() {
			out = append(out, c)
		}
	}
	return out
}

// StartingContainers returns the services still coming up.
func (r *Report) StartingContainers() []ContainerInfo {
	var out []ContainerInfo
	for _, c := range r.Containers {
		if c.State.IsTransitioning() {
			out = append(out, c)
		}
	}
	return out
}

// Finalize computes the overall ServiceStatus from the per-container states
// collected so far.
func (r *Report) Finalize() ServiceStatus {
	total := len(r.Containers)
	if total == 0 {
		return NoContainer
	}

	healthy := r.HealthyCount()
	if healthy == total {
		return AllRunning
	}

	if r.RunningCount() == 0 {
		return AllStopped
	}

	if len(r.StartingContainers()) > 0 {
		return Starting
	}
	return PartiallyRunning
}

// Summary renders a one-line human-readable status string.
func (r *Report) Summary() string {
	failed := r.FailedContainers()
	starting := r.StartingContainers()

	summary := fmt.Sprintf("health: %d/%d healthy | running: %d | oneshot: %d | failed: %d | starting: %d",
		r.HealthyCount(), len(r.Containers), r.RunningCount(), r.OneshotCount(), len(failed), len(starting))

	if len(failed) > 0 {
		names := make([]string, len(failed))
		for i, c := range failed {
			names[i] = c.ServiceName
		}
		summary += " | failed services: " + strings.Join(names, ", ")
	}
	if len(starting) > 0 {
		names := make([]string, len(starting))
		for i, c := range starting {
			names[i] = c.ServiceName
		}
		summary += " | starting services: " + strings.Join(names, ", ")
	}
	return summary
}

// Checker runs health checks against a docker-compose project's containers.
type Checker struct {
	manager *container.Manager
	retrier *retry.Executor
	logger  *slog.Logger
}

// NewChecker creates a Checker backed by manager. A nil logger uses
// slog.Default().
func NewChecker(manager *container.Manager, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	retrier := retry.NewExecutor(retry.Config{
		MaxRetries:    2,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}, logger, nil)
	return &Checker{manager: manager, retrier: retrier, logger: logger}
}

// Check inspects every service defined in the compose project and returns a
// Report describing their states. Transient Docker Engine API failures are
// retried; a persistent failure is returned as an error.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	cfg, err := c.manager.LoadComposeConfig()
	if err != nil {
		return nil, fmt.Errorf("loading compose config: %w", err)
	}
	if len(cfg.Services) == 0 {
		c.logger.Warn("no services defined in compose file")
		return &Report{CheckedAt: time.Now()}, nil
	}

	var statuses []container.ServiceInfo
	err = c.retrier.Do(ctx, func() error {
		s, err := c.manager.GetServicesStatus(ctx)
		if err != nil {
			return err
		}
		statuses = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checking container status: %w", err)
	}

	report := &Report{CheckedAt: time.Now()}
	for _, s := range statuses {
		svc := cfg.Services[s.ServiceName]
		oneshot := svc.IsOneshotService()
		report.Containers = append(report.Containers, ContainerInfo{
			ServiceName: s.ServiceName,
			Image:       s.Image,
			State:       classify(s.Status, oneshot),
			IsOneshot:   oneshot,
		})
	}

	c.logger.Info("health check complete", "summary", report.Summary())
	return report, nil
}

// WaitUntilHealthy polls Check every interval until the overall status is
// healthy, ctx is canceled, or timeout elapses.
func (c *Checker) WaitUntilHealthy(ctx context.Context, interval, timeout time.Duration) (*Report, error) {
	deadline := time.Now().Add(timeout)

	for {
		report, err := c.Check(ctx)
		if err != nil {
			return nil, err
		}

		status := report.Finalize()
		if status.IsHealthy() {
			c.logger.Info("all services healthy", "summary", report.Summary())
			return report, nil
		}

		if time.Now().After(deadline) {
			return report, fmt.Errorf("services not healthy after %s: status=%s %s", timeout, status, report.Summary())
		}

		c.logger.Info("waiting for services to become healthy", "status", status, "summary", report.Summary())

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(interval):
		}
	}
}
