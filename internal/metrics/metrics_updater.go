package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/creasty/defaults"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelYear = "year"
	labelWeek = "week"
)

// Indexer is the part of agg.Aggregator the Updater needs
type Indexer interface {
	Aggregate() (archive.Index, error)
}

// Updater exports the size of every archived week as prometheus gauges
type Updater struct {
	config          Config
	indexer         Indexer
	logger          *slog.Logger
	usageGauge      *prometheus.GaugeVec
	filesGauge      *prometheus.GaugeVec
	lastScanMetric  prometheus.Gauge
	lastScanSuccess prometheus.Gauge
}

type Config struct {
	MetricNamespace string        `yaml:"metricNamespace" default:"maxlink"`
	MetricSubsystem string        `yaml:"metricSubsystem" default:"archives"`
	UpdateInterval  time.Duration `yaml:"updateInterval" default:"5m"`
}

type unmarshalledConfig Config

func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	tmp := new(unmarshalledConfig)
	if err := defaults.Set(tmp); err != nil {
		return err
	}
	if err := unmarshal(tmp); err != nil {
		return err
	}
	*c = Config(*tmp)
	return nil
}

func NewUpdater(indexer Indexer, config Config, registerer prometheus.Registerer, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	factory := promauto.With(registerer)
	return &Updater{
		config:  config,
		indexer: indexer,
		logger:  logger,
		usageGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "usage_bytes",
			Help:      "Total size of the archived files of a week",
		}, []string{labelYear, labelWeek}),
		filesGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "files",
			Help:      "Number of archived files of a week",
		}, []string{labelYear, labelWeek}),
		lastScanMetric: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Time of the last successful archive scan",
		}),
		lastScanSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.MetricNamespace,
			Subsystem: config.MetricSubsystem,
			Name:      "last_scan_success",
			Help:      "1 if the last archive scan succeeded",
		}),
	}
}

func (u *Updater) UpdatePromMetrics() error {
	u.logger.Debug("start updating archive metrics")
	index, err := u.indexer.Aggregate()
	if err != nil {
		u.lastScanSuccess.Set(0)
		return err
	}

	u.usageGauge.Reset()
	u.filesGauge.Reset()
	weeks := 0
	for _, entry := range index {
		for _, bucket := range entry.Weeks {
			labels := weekLabels(bucket)
			u.usageGauge.With(labels).Set(float64(bucket.TotalSize))
			u.filesGauge.With(labels).Set(float64(bucket.FileCount()))
			weeks++
		}
	}
	u.lastScanMetric.Set(float64(time.Now().UnixNano()) / 1e9)
	u.lastScanSuccess.Set(1)
	u.logger.Info("done updating archive metrics", "years", len(index), "weeks", weeks)

	return nil
}

func weekLabels(bucket archive.WeekBucket) prometheus.Labels {
	return prometheus.Labels{
		labelYear: strconv.Itoa(bucket.Year),
		labelWeek: strconv.Itoa(bucket.Week),
	}
}
