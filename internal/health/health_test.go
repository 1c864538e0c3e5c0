package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFinalizeClassifiesOverallStatus(t *testing.T) {
	cases := []struct {
		name       string
		containers []ContainerInfo
		want       ServiceStatus
	}{
		{
			name:       "no containers",
			containers: nil,
			want:       NoContainer,
		},
		{
			name: "all running",
			containers: []ContainerInfo{
				{ServiceName: "api", State: ContainerRunning},
				{ServiceName: "worker", State: ContainerRunning},
			},
			want: AllRunning,
		},
		{
			name: "oneshot completion counts as healthy",
			containers: []ContainerInfo{
				{ServiceName: "api", State: ContainerRunning},
				{ServiceName: "migrate", State: ContainerCompleted, IsOneshot: true},
			},
			want: AllRunning,
		},
		{
			name: "all stopped",
			containers: []ContainerInfo{
				{ServiceName: "api", State: ContainerStopped},
				{ServiceName: "worker", State: ContainerStopped},
			},
			want: AllStopped,
		},
		{
			name: "one running one starting",
			containers: []ContainerInfo{
				{ServiceName: "api", State: ContainerRunning},
				{ServiceName: "worker", State: ContainerStarting},
			},
			want: Starting,
		},
		{
			name: "one running one stopped",
			containers: []ContainerInfo{
				{ServiceName: "api", State: ContainerRunning},
				{ServiceName: "worker", State: ContainerStopped},
			},
			want: PartiallyRunning,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{Containers: tc.containers}
			assert.Equal(t, tc.want, report.Finalize())
		})
	}
}

func TestReportCountsAndSummary(t *testing.T) {
	report := &Report{
		CheckedAt: time.Now(),
		Containers: []ContainerInfo{
			{ServiceName: "api", State: ContainerRunning},
			{ServiceName: "migrate", State: ContainerCompleted, IsOneshot: true},
			{ServiceName: "worker", State: ContainerStopped},
			{ServiceName: "cache", State: ContainerStarting},
		},
	}

	assert.Equal(t, 1, report.RunningCount())
	assert.Equal(t, 1, report.OneshotCount())
	assert.Equal(t, 2, report.HealthyCount())
	assert.Len(t, report.FailedContainers(), 1)
	assert.Len(t, report.StartingContainers(), 1)
	assert.Equal(t, Starting, report.Finalize())

	summary := report.Summary()
	assert.Contains(t, summary, "2/4 healthy")
	assert.Contains(t, summary, "failed services: worker")
	assert.Contains(t, summary, "starting services: cache")
}

func TestServiceStatusIsHealthy(t *testing.T) {
	assert.True(t, AllRunning.IsHealthy())
	assert.False(t, PartiallyRunning.IsHealthy())
	assert.False(t, Starting.IsHealthy())
	assert.False(t, AllStopped.IsHealthy())
	assert.False(t, NoContainer.IsHealthy())
}

func TestContainerStateClassification(t *testing.T) {
	assert.True(t, ContainerRunning.IsHealthy())
	assert.True(t, ContainerCompleted.IsHealthy())
	assert.False(t, ContainerStopped.IsHealthy())
	assert.True(t, ContainerStarting.IsTransitioning())
	assert.True(t, ContainerStopped.IsFailed())
	assert.True(t, ContainerUnknown.IsFailed())
	assert.False(t, ContainerRunning.IsFailed())
}
