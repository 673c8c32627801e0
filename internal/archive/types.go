// Package archive holds the records that describe a weekly CSV archive on disk
package archive

import "time"

const (
	MinYear = 2020
	MaxYear = 2030
	MinWeek = 1
	MaxWeek = 53
)

// StorageUsage is storage usage/size in bytes
type StorageUsage = int64

// FileRecord is one archived CSV file, derived from its name and a stat
type FileRecord struct {
	Filename string
	Year     int
	Week     int
	Machine  string
	Size     StorageUsage
	Modified time.Time
	// Path is the absolute location on disk, never sent to clients
	Path string
}

// WeekBucket groups all files that share a (year, week)
type WeekBucket struct {
	Year      int
	Week      int
	Files     []FileRecord
	TotalSize StorageUsage
}

func (b WeekBucket) FileCount() int {
	return len(b.Files)
}

func (b *WeekBucket) Add(record FileRecord) {
	b.Files = append(b.Files, record)
	b.TotalSize += record.Size
}

type YearEntry struct {
	Year  int
	Weeks []WeekBucket
}

// Index lists years in descending order, each with its weeks in descending order
type Index []YearEntry

func (idx Index) Year(year int) (YearEntry, bool) {
	for _, entry := range idx {
		if entry.Year == year {
			return entry, true
		}
	}
	return YearEntry{}, false
}

func ValidYear(year int) bool {
	return year >= MinYear && year <= MaxYear
}

func ValidWeek(week int) bool {
	return week >= MinWeek && week <= MaxWeek
}
