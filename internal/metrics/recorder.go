package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder counts what happens on the request path
type Recorder struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	bundleBytes  prometheus.Counter
	bundles      prometheus.Counter
	scanAnomaly  *prometheus.CounterVec
	rotatedFiles prometheus.Counter
}

func NewRecorder(config Config, registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		bundleBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "bundle_bytes_total",
			Help:      "Bytes of week bundles built",
		}),
		bundles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "bundles_total",
			Help:      "Week bundles built",
		}),
		scanAnomaly: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "scan_anomalies_total",
			Help:      "Entries skipped while scanning the archive",
		}, []string{"kind"}),
		rotatedFiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "rotated_files_total",
			Help:      "Files moved from the storage directory into the archive",
		}),
	}
}

func (r *Recorder) ObserveRequest(route, code string, durationSeconds float64) {
	r.requests.WithLabelValues(route, code).Inc()
	r.duration.WithLabelValues(route).Observe(durationSeconds)
}

func (r *Recorder) ObserveBundle(bytes int64) {
	r.bundles.Inc()
	r.bundleBytes.Add(float64(bytes))
}

func (r *Recorder) IncScanAnomaly(kind string) {
	r.scanAnomaly.WithLabelValues(kind).Inc()
}

func (r *Recorder) AddRotatedFiles(n int) {
	r.rotatedFiles.Add(float64(n))
}
