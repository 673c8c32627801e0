package agg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/du"
	"github.com/PDOK/csv-archive-server/internal/naming"
)

const (
	anomalyNonYearDir    = "non_year_dir"
	anomalyMalformedFile = "malformed_file"
)

// AnomalyRecorder is told about every entry a scan skips
type AnomalyRecorder interface {
	IncScanAnomaly(kind string)
}

type noopRecorder struct{}

func (noopRecorder) IncScanAnomaly(string) {}

// Aggregator groups the files of an archive tree into an archive.Index.
// Nothing is cached, every call scans the tree again.
type Aggregator struct {
	duReader  du.Reader
	logger    *slog.Logger
	anomalies AnomalyRecorder
}

func NewAggregator(duReader du.Reader, logger *slog.Logger, anomalies AnomalyRecorder) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if anomalies == nil {
		anomalies = noopRecorder{}
	}
	return &Aggregator{
		duReader:  duReader,
		logger:    logger,
		anomalies: anomalies,
	}
}

// Aggregate scans all year directories. A missing root yields an empty index.
func (a *Aggregator) Aggregate() (archive.Index, error) {
	yearDirs, err := a.duReader.YearDirs()
	if err != nil {
		return nil, err
	}
	index := archive.Index{}
	for _, yearDir := range yearDirs {
		if !naming.IsYearDir(yearDir) {
			a.logger.Debug("skipping non-year directory", "dir", yearDir)
			a.anomalies.IncScanAnomaly(anomalyNonYearDir)
			continue
		}
		year, _ := strconv.Atoi(yearDir) // 4 digits
		weeks, err := a.aggregateYear(yearDir, year)
		if errors.Is(err, archive.ErrNotFound) { // removed while scanning
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(weeks) == 0 {
			continue
		}
		index = append(index, archive.YearEntry{Year: year, Weeks: weeks})
	}
	slices.SortFunc(index, func(i, j archive.YearEntry) int {
		return cmp.Compare(j.Year, i.Year)
	})
	return index, nil
}

// Week lists the files of a single week without building anything. Stored week digits need not be
// zero-padded, so the week is matched on the parsed name rather than with naming.WeekGlob: S1_ and S01_
// both belong to week 1, the same as in Aggregate.
func (a *Aggregator) Week(year, week int) (archive.WeekBucket, error) {
	if !archive.ValidYear(year) {
		return archive.WeekBucket{}, fmt.Errorf("%w: invalid year %d", archive.ErrInvalidInput, year)
	}
	if !archive.ValidWeek(week) {
		return archive.WeekBucket{}, fmt.Errorf("%w: invalid week %d", archive.ErrInvalidInput, week)
	}
	weeks, err := a.aggregateYear(strconv.Itoa(year), year)
	if err != nil {
		return archive.WeekBucket{}, err
	}
	for _, bucket := range weeks {
		if bucket.Week == week {
			return bucket, nil
		}
	}
	return archive.WeekBucket{}, fmt.Errorf("no files for week %d of %d: %w", week, year, archive.ErrNotFound)
}

// aggregateYear returns the week buckets of one year directory, highest week first
func (a *Aggregator) aggregateYear(yearDir string, year int) ([]archive.WeekBucket, error) {
	rows, err := a.duReader.Files(yearDir, naming.YearGlob(year))
	if err != nil {
		return nil, err
	}
	buckets := make(map[int]*archive.WeekBucket)
	for _, row := range rows {
		name, err := naming.ParseForYear(row.Name, year)
		if err != nil {
			a.logger.Warn("skipping malformed archive file", "year", year, "file", row.Name, "error", err)
			a.anomalies.IncScanAnomaly(anomalyMalformedFile)
			continue
		}
		bucket, ok := buckets[name.Week]
		if !ok {
			bucket = &archive.WeekBucket{Year: year, Week: name.Week}
			buckets[name.Week] = bucket
		}
		bucket.Add(archive.FileRecord{
			Filename: row.Name,
			Year:     year,
			Week:     name.Week,
			Machine:  name.Machine,
			Size:     row.Bytes,
			Modified: row.Modified,
			Path:     row.Path,
		})
	}

	weeks := slices.Sorted(maps.Keys(buckets))
	slices.Reverse(weeks)
	result := make([]archive.WeekBucket, 0, len(weeks))
	for _, week := range weeks {
		bucket := buckets[week]
		slices.SortFunc(bucket.Files, func(i, j archive.FileRecord) int {
			return cmp.Compare(i.Filename, j.Filename)
		})
		result = append(result, *bucket)
	}
	return result, nil
}
