package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfig_Defaults(t *testing.T) {
	config := new(Config)
	require.NoError(t, yaml.Unmarshal([]byte("metricNamespace: plant"), config))
	require.Equal(t, "plant", config.MetricNamespace)
	require.Equal(t, "archives", config.MetricSubsystem)
	require.Equal(t, "5m0s", config.UpdateInterval.String())
}

func TestUpdater_UpdatePromMetrics(t *testing.T) {
	index := archive.Index{{
		Year: 2025,
		Weeks: []archive.WeekBucket{
			{Year: 2025, Week: 2, TotalSize: 1536, Files: make([]archive.FileRecord, 1)},
			{Year: 2025, Week: 1, TotalSize: 300, Files: make([]archive.FileRecord, 2)},
		},
	}}
	registry := prometheus.NewRegistry()
	updater := NewUpdater(&fakeIndexer{index: index}, Config{MetricNamespace: "maxlink", MetricSubsystem: "archives"}, registry, nil)

	require.NoError(t, updater.UpdatePromMetrics())

	expected := `
# HELP maxlink_archives_usage_bytes Total size of the archived files of a week
# TYPE maxlink_archives_usage_bytes gauge
maxlink_archives_usage_bytes{week="1",year="2025"} 300
maxlink_archives_usage_bytes{week="2",year="2025"} 1536
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "maxlink_archives_usage_bytes"))
	require.Equal(t, float64(2), testutil.ToFloat64(updater.filesGauge.WithLabelValues("2025", "1")))
	require.Equal(t, float64(1), testutil.ToFloat64(updater.lastScanSuccess))
}

func TestUpdater_UpdatePromMetrics_Error(t *testing.T) {
	updater := NewUpdater(&fakeIndexer{err: errors.New("boom")}, Config{}, prometheus.NewRegistry(), nil)
	require.Error(t, updater.UpdatePromMetrics())
	require.Equal(t, float64(0), testutil.ToFloat64(updater.lastScanSuccess))
}

func TestRecorder(t *testing.T) {
	recorder := NewRecorder(Config{MetricNamespace: "maxlink", MetricSubsystem: "archives"}, prometheus.NewRegistry())
	recorder.ObserveRequest("/api/archives", "200", 0.01)
	recorder.ObserveRequest("/api/archives", "200", 0.02)
	recorder.ObserveBundle(1024)
	recorder.IncScanAnomaly("malformed_file")
	recorder.AddRotatedFiles(3)

	require.Equal(t, float64(2), testutil.ToFloat64(recorder.requests.WithLabelValues("/api/archives", "200")))
	require.Equal(t, float64(1024), testutil.ToFloat64(recorder.bundleBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(recorder.bundles))
	require.Equal(t, float64(1), testutil.ToFloat64(recorder.scanAnomaly.WithLabelValues("malformed_file")))
	require.Equal(t, float64(3), testutil.ToFloat64(recorder.rotatedFiles))
}

type fakeIndexer struct {
	index archive.Index
	err   error
}

func (f *fakeIndexer) Aggregate() (archive.Index, error) {
	return f.index, f.err
}
