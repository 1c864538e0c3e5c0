// Package telemetry wraps the process-local Prometheus counters/gauges the
// upgrade engine exposes, following the teacher's internal/database/postgres
// metrics shape: components record against a thin Recorder rather than
// touching the prometheus package directly, and a nil *Recorder is always a
// safe no-op so telemetry never becomes a hard dependency for a component
// under test.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the counters and histograms the upgrade pipeline emits:
// pipeline run outcomes, download throughput, backup duration, and schema
// diff application. It is registered against a caller-supplied
// *prometheus.Registry so multiple Recorders (e.g. in tests) never collide
// on the default global registry.
type Recorder struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	downloadBytes    *prometheus.CounterVec
	backupDuration   *prometheus.HistogramVec
	backupFailures   prometheus.Counter
	schemaApply      *prometheus.CounterVec
	healthFailures   prometheus.Counter
}

// NewRecorder creates a Recorder registered against registry under the
// "nuwa_upgrade" namespace. Pass prometheus.NewRegistry() to isolate a
// Recorder (tests, multiple instances); pass prometheus.DefaultRegisterer's
// backing registry in production to be scraped via promhttp.
func NewRecorder(registry *prometheus.Registry) *Recorder {
	factory := promauto.With(registry)
	const namespace = "nuwa_upgrade"

	return &Recorder{
		pipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Upgrade pipeline runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		pipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of an upgrade pipeline run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"strategy"}),
		downloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes transferred by the resumable downloader.",
		}, []string{"host"}),
		backupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Duration of a cold backup archive or restore operation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180},
		}, []string{"operation", "type"}),
		backupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_failures_total",
			Help:      "Backup archive or restore operations that failed.",
		}),
		schemaApply: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_diff_applications_total",
			Help:      "Schema diff executions by outcome.",
		}, []string{"outcome"}),
		healthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_wait_timeouts_total",
			Help:      "Post-deploy health waits that exceeded their timeout.",
		}),
	}
}

// RecordPipelineRun records one completed pipeline run's strategy, outcome
// ("success"/"failure"/"no_upgrade"), and duration. A nil Recorder is a
// no-op, so callers never need to nil-check before recording.
func (r *Recorder) RecordPipelineRun(strategy, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.pipelineRuns.WithLabelValues(strategy, outcome).Inc()
	r.pipelineDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordDownloadBytes adds n bytes transferred from host to the running
// total.
func (r *Recorder) RecordDownloadBytes(host string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.downloadBytes.WithLabelValues(host).Add(float64(n))
}

// RecordBackupOperation records the duration of a backup "create" or
// "restore" operation of the given type ("manual", "pre-upgrade", ...), and
// increments the failure counter when success is false.
func (r *Recorder) RecordBackupOperation(operation, backupType string, duration time.Duration, success bool) {
	if r == nil {
		return
	}
	r.backupDuration.WithLabelValues(operation, backupType).Observe(duration.Seconds())
	if !success {
		r.backupFailures.Inc()
	}
}

// RecordSchemaDiffApplication records one schema diff execution's outcome
// ("applied", "skipped", "failed").
func (r *Recorder) RecordSchemaDiffApplication(outcome string) {
	if r == nil {
		return
	}
	r.schemaApply.WithLabelValues(outcome).Inc()
}

// RecordHealthWaitTimeout increments the counter of post-deploy health waits
// that exceeded their timeout before the orchestrator's one extra probe.
func (r *Recorder) RecordHealthWaitTimeout() {
	if r == nil {
		return
	}
	r.healthFailures.Inc()
}
