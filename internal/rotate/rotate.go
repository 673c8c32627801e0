// Package rotate moves finished week files from the live storage directory into the archive
package rotate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-co-op/gocron/v2"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/bundle"
	"github.com/PDOK/csv-archive-server/internal/du"
	"github.com/PDOK/csv-archive-server/internal/naming"
)

const storagePattern = "S*_*_*.csv"

type Config struct {
	// StorageDir is where the collector writes the files of the running week
	StorageDir string `yaml:"storageDir"`
	// Schedule is a cron expression, default Monday 00:05
	Schedule string `yaml:"schedule" default:"5 0 * * 1"`
	// Publish uploads the bundle of every rotated week to the mirror
	Publish bool `yaml:"publish"`
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

// Publisher stores a finished bundle somewhere outside this host, see mirror
type Publisher interface {
	Publish(ctx context.Context, key string, reader io.Reader, size int64) error
}

type BundleBuilder interface {
	Build(year, week int) (*bundle.Bundle, error)
}

type Recorder interface {
	AddRotatedFiles(n int)
}

type Rotator struct {
	storage     *du.LocalReader
	archiveRoot string
	builder     BundleBuilder
	publisher   Publisher
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewRotator rotates storageDir into archiveRoot. builder and publisher may be nil to skip publishing.
func NewRotator(storageDir, archiveRoot string, builder BundleBuilder, publisher Publisher, recorder Recorder, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		storage:     du.NewLocalReader(storageDir, logger),
		archiveRoot: archiveRoot,
		builder:     builder,
		publisher:   publisher,
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
	}
}

type yearWeek struct {
	year, week int
}

func (r *Rotator) currentYearWeek() yearWeek {
	year, week := r.now().ISOWeek()
	return yearWeek{year: year, week: week}
}

// Rotate moves every file that does not belong to the current ISO week to <archiveRoot>/<year>/,
// returning the moved files per week
func (r *Rotator) Rotate(ctx context.Context) ([]archive.WeekBucket, error) {
	current := r.currentYearWeek()
	records, err := r.storageRecords(storagePattern)
	if err != nil {
		return nil, err
	}

	moved := make(map[yearWeek]*archive.WeekBucket)
	var errs []error
	for _, record := range records {
		key := yearWeek{year: record.Year, week: record.Week}
		if key == current {
			continue
		}
		dest, err := r.move(record)
		if err != nil {
			r.logger.Error("could not archive file", "file", record.Filename, "error", err)
			errs = append(errs, err)
			continue
		}
		r.logger.Info("file archived", "file", record.Filename, "year", record.Year)
		bucket, ok := moved[key]
		if !ok {
			bucket = &archive.WeekBucket{Year: key.year, Week: key.week}
			moved[key] = bucket
		}
		record.Path = dest
		bucket.Add(record)
	}

	buckets := make([]archive.WeekBucket, 0, len(moved))
	for _, bucket := range moved {
		buckets = append(buckets, *bucket)
	}
	slices.SortFunc(buckets, func(i, j archive.WeekBucket) int {
		return cmp.Or(cmp.Compare(i.Year, j.Year), cmp.Compare(i.Week, j.Week))
	})
	count := 0
	for _, bucket := range buckets {
		count += bucket.FileCount()
	}
	if r.recorder != nil {
		r.recorder.AddRotatedFiles(count)
	}
	if count > 0 {
		r.logger.Info("rotation done", "files", count, "weeks", len(buckets))
	} else {
		r.logger.Info("no file of a previous week to archive")
	}

	for _, bucket := range buckets {
		if err = r.publish(ctx, bucket.Year, bucket.Week); err != nil {
			r.logger.Error("could not publish week bundle", "year", bucket.Year, "week", bucket.Week, "error", err)
			errs = append(errs, err)
		}
	}
	return buckets, errors.Join(errs...)
}

// Current lists the files of the running ISO week, a missing storage directory gives an empty week
func (r *Rotator) Current() (archive.WeekBucket, error) {
	current := r.currentYearWeek()
	bucket, err := r.Week(current.year, current.week)
	if errors.Is(err, archive.ErrNotFound) {
		return archive.WeekBucket{Year: current.year, Week: current.week, Files: []archive.FileRecord{}}, nil
	}
	return bucket, err
}

// Week lists the files of a week that are still in the storage directory. The collector writes them with
// zero-padded week digits, so the week glob selects them directly.
func (r *Rotator) Week(year, week int) (archive.WeekBucket, error) {
	records, err := r.storageRecords(naming.WeekGlob(year, week))
	if err != nil {
		return archive.WeekBucket{}, err
	}
	bucket := archive.WeekBucket{Year: year, Week: week}
	for _, record := range records {
		if record.Year == year && record.Week == week {
			bucket.Add(record)
		}
	}
	if bucket.FileCount() == 0 {
		return bucket, fmt.Errorf("no files for week %d of %d in storage: %w", week, year, archive.ErrNotFound)
	}
	return bucket, nil
}

// Schedule registers the rotation as a singleton cron job
func (r *Rotator) Schedule(ctx context.Context, scheduler gocron.Scheduler, schedule string) (gocron.Job, error) {
	return scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if _, err := r.Rotate(ctx); err != nil {
				r.logger.Error("weekly rotation failed", "error", err)
			}
		}),
		gocron.WithName("weekly-rotation"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}

func (r *Rotator) storageRecords(pattern string) ([]archive.FileRecord, error) {
	rows, err := r.storage.Files(".", pattern)
	if err != nil {
		return nil, err
	}
	records := make([]archive.FileRecord, 0, len(rows))
	for _, row := range rows {
		name, err := naming.Parse(row.Name)
		if err != nil {
			r.logger.Warn("skipping file with unexpected name", "file", row.Name, "error", err)
			continue
		}
		records = append(records, archive.FileRecord{
			Filename: row.Name,
			Year:     name.Year,
			Week:     name.Week,
			Machine:  name.Machine,
			Size:     row.Bytes,
			Modified: row.Modified,
			Path:     row.Path,
		})
	}
	return records, nil
}

func (r *Rotator) move(record archive.FileRecord) (string, error) {
	yearDir := filepath.Join(r.archiveRoot, strconv.Itoa(record.Year))
	if err := os.MkdirAll(yearDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(yearDir, record.Filename)
	if err := os.Rename(record.Path, dest); err == nil {
		return dest, nil
	}
	// rename fails across devices
	if err := copyFile(record.Path, dest); err != nil {
		return "", err
	}
	return dest, os.Remove(record.Path)
}

func (r *Rotator) publish(ctx context.Context, year, week int) error {
	if r.builder == nil || r.publisher == nil {
		return nil
	}
	b, err := r.builder.Build(year, week)
	if err != nil {
		return err
	}
	defer b.Close()
	key := path.Join(strconv.Itoa(year), b.Name)
	if err = r.publisher.Publish(ctx, key, b, b.Size); err != nil {
		return err
	}
	r.logger.Info("week bundle published", "key", key, "bytes", b.Size)
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
