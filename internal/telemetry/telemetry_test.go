package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPipelineRunIncrementsCounterAndObservesDuration(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.RecordPipelineRun("full_upgrade", "success", 45*time.Second)

	count := testutil.ToFloat64(r.pipelineRuns.WithLabelValues("full_upgrade", "success"))
	assert.Equal(t, float64(1), count)
}

func TestRecordDownloadBytesAccumulatesAndIgnoresNonPositive(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.RecordDownloadBytes("cdn.example.com", 1024)
	r.RecordDownloadBytes("cdn.example.com", 2048)
	r.RecordDownloadBytes("cdn.example.com", 0)
	r.RecordDownloadBytes("cdn.example.com", -5)

	total := testutil.ToFloat64(r.downloadBytes.WithLabelValues("cdn.example.com"))
	assert.Equal(t, float64(3072), total)
}

func TestRecordBackupOperationIncrementsFailuresOnlyOnFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.RecordBackupOperation("create", "pre-upgrade", time.Second, true)
	r.RecordBackupOperation("create", "pre-upgrade", time.Second, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.backupFailures))
}

func TestRecordSchemaDiffApplicationLabelsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.RecordSchemaDiffApplication("applied")
	r.RecordSchemaDiffApplication("applied")
	r.RecordSchemaDiffApplication("skipped")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.schemaApply.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.schemaApply.WithLabelValues("skipped")))
}

func TestRecordHealthWaitTimeoutIncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.RecordHealthWaitTimeout()
	r.RecordHealthWaitTimeout()

	assert.Equal(t, float64(2), testutil.ToFloat64(r.healthFailures))
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.RecordPipelineRun("patch_upgrade", "failure", time.Minute)
		r.RecordDownloadBytes("host", 10)
		r.RecordBackupOperation("restore", "manual", time.Second, false)
		r.RecordSchemaDiffApplication("failed")
		r.RecordHealthWaitTimeout()
	})
}

func TestNewRecorderRegistersDistinctMetricFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	_ = NewRecorder(registry)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
