package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/PDOK/csv-archive-server/internal/agg"
	"github.com/PDOK/csv-archive-server/internal/bundle"
	"github.com/PDOK/csv-archive-server/internal/du"
	"github.com/PDOK/csv-archive-server/internal/guard"
	"github.com/PDOK/csv-archive-server/internal/metrics"
	"github.com/PDOK/csv-archive-server/internal/mirror"
	"github.com/PDOK/csv-archive-server/internal/rotate"
	"github.com/PDOK/csv-archive-server/internal/serv"
)

const (
	serviceName = "csv-archive-server"

	flagConfig        = "config"
	flagArchiveRoot   = "archive-root"
	flagListenAddress = "listen-address"
	flagLogLevel      = "log-level"
	flagYear          = "year"
	flagWeek          = "week"
	flagOutput        = "output"
)

var version = "dev"

var (
	cliFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Usage:   "YAML config file",
			EnvVars: []string{"CONFIG"},
		},
		&cli.StringFlag{
			Name:    flagArchiveRoot,
			Usage:   "directory holding one directory per year, overrides archive.root",
			EnvVars: []string{"ARCHIVE_ROOT"},
		},
		&cli.StringFlag{
			Name:    flagListenAddress,
			Usage:   "address to listen on, overrides server.listenAddress",
			EnvVars: []string{"LISTEN_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
)

func weekFlags(extra ...cli.Flag) []cli.Flag {
	return append(extra,
		&cli.IntFlag{Name: flagYear, Usage: "4 digit year", Required: true},
		&cli.IntFlag{Name: flagWeek, Usage: "week number 1-53", Required: true},
	)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env vars", "error", err)
	}

	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "MaxLink CSV Archive Server"
	app.Usage = "serves weekly CSV archives over HTTP"
	app.Version = version
	app.Flags = cliFlags
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "start the HTTP server",
			Action: serve,
		},
		{
			Name:   "index",
			Usage:  "print the archive listing as JSON",
			Action: printIndex,
		},
		{
			Name:   "week",
			Usage:  "print the files of one week as JSON",
			Flags:  weekFlags(),
			Action: printWeek,
		},
		{
			Name:  "bundle",
			Usage: "write the zip bundle of one week",
			Flags: weekFlags(
				&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "output file, default is the bundle name"},
			),
			Action: writeBundle,
		},
		{
			Name:   "summary",
			Usage:  "count rows and results of one week with DuckDB",
			Flags:  weekFlags(),
			Action: printSummary,
		},
		{
			Name:   "rotate",
			Usage:  "move finished week files from the storage directory into the archive once",
			Action: rotateOnce,
		},
	}
	app.DefaultCommand = "serve"
	return app
}

// env is everything a command needs, built from config and flags
type env struct {
	config     *Config
	logger     *slog.Logger
	aggregator *agg.Aggregator
	bundles    *bundle.Builder
}

func setup(c *cli.Context) (*env, error) {
	config, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if root := c.String(flagArchiveRoot); root != "" {
		config.Archive.Root = root
	}
	if address := c.String(flagListenAddress); address != "" {
		config.Server.ListenAddress = address
	}
	if level := c.String(flagLogLevel); level != "" {
		config.LogLevel = level
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(config.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &env{config: config, logger: logger}
	a.useArchive(nil)
	return a, nil
}

// useArchive (re)creates the archive indexer and bundle builder, reporting skipped entries to anomalies
func (a *env) useArchive(anomalies agg.AnomalyRecorder) {
	a.aggregator = agg.NewAggregator(du.NewLocalReader(a.config.Archive.Root, a.logger), a.logger, anomalies)
	a.bundles = bundle.NewBuilder(a.aggregator, a.config.Archive.BundlePrefix, a.config.Archive.TempDir, a.logger)
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// newRotator returns nil when no rotation is configured
func (a *env) newRotator(ctx context.Context, recorder rotate.Recorder) (*rotate.Rotator, error) {
	rotation := a.config.Rotation
	if rotation == nil {
		return nil, nil
	}
	var publisher rotate.Publisher
	if rotation.Publish {
		p, err := mirror.New(ctx, *a.config.Mirror)
		if err != nil {
			return nil, err
		}
		publisher = p
	}
	return rotate.NewRotator(rotation.StorageDir, a.config.Archive.Root, a.bundles, publisher, recorder, a.logger), nil
}

func serve(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(c)
	if err != nil {
		return err
	}
	logger := a.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(a.config.Metrics, registry)
	a.useArchive(recorder)

	summarizer, err := agg.NewSummarizer(a.config.Summary)
	if err != nil {
		return err
	}
	defer summarizer.Close()

	rotator, err := a.newRotator(ctx, recorder)
	if err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	updater := metrics.NewUpdater(a.aggregator, a.config.Metrics, registry, logger)
	_, err = scheduler.NewJob(
		gocron.DurationJob(a.config.Metrics.UpdateInterval),
		gocron.NewTask(func() {
			if err := updater.UpdatePromMetrics(); err != nil {
				logger.Error("failed to update metrics", "error", err)
			}
		}),
		gocron.WithName("metrics-update"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	deps := serv.Deps{
		Indexer:    a.aggregator,
		Guard:      guard.New(a.config.Archive.Root),
		Bundles:    a.bundles,
		Summarizer: summarizer,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Recorder:   recorder,
		Logger:     logger,
		Status: serv.Status{
			Service:     serviceName,
			Version:     version,
			ArchiveRoot: a.config.Archive.Root,
		},
	}
	if rotator != nil {
		if _, err := rotator.Rotate(ctx); err != nil {
			logger.Error("startup rotation failed", "error", err)
		}
		if _, err := rotator.Schedule(ctx, scheduler, a.config.Rotation.Schedule); err != nil {
			return fmt.Errorf("invalid rotation schedule %q: %w", a.config.Rotation.Schedule, err)
		}
		deps.Current = rotator
		deps.CurrentBundles = bundle.NewBuilder(rotator, a.config.Archive.BundlePrefix, a.config.Archive.TempDir, logger)
	}

	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}
	}()

	handler := serv.NewHandler(a.config.Server, deps)
	return serv.Run(ctx, a.config.Server, handler.Router(), logger)
}

func printIndex(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	index, err := a.aggregator.Aggregate()
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, index)
}

func printWeek(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	bucket, err := a.bundles.ListWeekFiles(c.Int(flagYear), c.Int(flagWeek))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, bucket)
}

func writeBundle(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	year, week := c.Int(flagYear), c.Int(flagWeek)
	b, err := a.bundles.Build(year, week)
	if err != nil {
		return err
	}
	defer b.Close()

	output := c.String(flagOutput)
	if output == "" {
		output = b.Name
	}
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, b); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	a.logger.Info("bundle written", "file", output, "entries", b.Entries, "bytes", b.Size)
	return nil
}

func printSummary(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	bucket, err := a.aggregator.Week(c.Int(flagYear), c.Int(flagWeek))
	if err != nil {
		return err
	}
	summarizer, err := agg.NewSummarizer(a.config.Summary)
	if err != nil {
		return err
	}
	defer summarizer.Close()
	summary, err := summarizer.Summarize(bucket)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, summary)
}

func rotateOnce(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	rotator, err := a.newRotator(c.Context, nil)
	if err != nil {
		return err
	}
	if rotator == nil {
		return errors.New("no rotation section in config")
	}
	buckets, err := rotator.Rotate(c.Context)
	for _, bucket := range buckets {
		a.logger.Info("rotated week", "year", bucket.Year, "week", bucket.Week, "files", bucket.FileCount())
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
