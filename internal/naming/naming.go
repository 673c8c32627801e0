// Package naming is the S<week>_<year>_<machine>.csv filename convention of the archive
package naming

import (
	"fmt"
	"strconv"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/oriser/regroup"
)

const extension = ".csv"

var (
	filenamePattern = regroup.MustCompile(`^S(?P<week>\d+)_(?P<year>\d{4})_(?P<machine>[A-Za-z0-9_-]+)\.csv$`)
	yearDirPattern  = regroup.MustCompile(`^(?P<year>\d{4})$`)
)

// Name is a parsed archive filename
type Name struct {
	Week    int
	Year    int
	Machine string
	// weekDigits keeps the week as written, stored names are not always zero-padded
	weekDigits string
}

// New builds the canonical (zero-padded) name for a week file
func New(year, week int, machine string) Name {
	return Name{Week: week, Year: year, Machine: machine, weekDigits: fmt.Sprintf("%02d", week)}
}

func (n Name) String() string {
	weekDigits := n.weekDigits
	if weekDigits == "" {
		weekDigits = fmt.Sprintf("%02d", n.Week)
	}
	return fmt.Sprintf("S%s_%04d_%s%s", weekDigits, n.Year, n.Machine, extension)
}

// Match reports whether name has the shape of an archive filename, without checking the week range
func Match(name string) bool {
	_, err := filenamePattern.Groups(name)
	return err == nil
}

// Parse validates name against the convention, including the week range
func Parse(name string) (Name, error) {
	g, err := filenamePattern.Groups(name)
	if err != nil { // no match
		return Name{}, fmt.Errorf("%w: filename %q does not match S<week>_<year>_<machine>.csv", archive.ErrInvalidInput, name)
	}
	week, err := strconv.Atoi(g["week"])
	if err != nil || !archive.ValidWeek(week) {
		return Name{}, fmt.Errorf("%w: week %q in %q is outside %d-%d", archive.ErrInvalidInput, g["week"], name, archive.MinWeek, archive.MaxWeek)
	}
	year, err := strconv.Atoi(g["year"])
	if err != nil { // unexpected, the pattern only allows 4 digits
		return Name{}, fmt.Errorf("%w: year in %q: %w", archive.ErrInvalidInput, name, err)
	}
	return Name{Week: week, Year: year, Machine: g["machine"], weekDigits: g["week"]}, nil
}

// ParseForYear is Parse plus a check that the embedded year is the year of the directory holding the file
func ParseForYear(name string, year int) (Name, error) {
	n, err := Parse(name)
	if err != nil {
		return n, err
	}
	if n.Year != year {
		return Name{}, fmt.Errorf("%w: %q belongs to %d, not %d", archive.ErrInvalidInput, name, n.Year, year)
	}
	return n, nil
}

// IsYearDir reports whether a directory name is exactly 4 digits
func IsYearDir(name string) bool {
	_, err := yearDirPattern.Groups(name)
	return err == nil
}

// YearGlob matches the files of one year, the year is inlined so other years never leak in
func YearGlob(year int) string {
	return fmt.Sprintf("S*_%04d_*%s", year, extension)
}

// WeekGlob matches the canonical (zero-padded) files of one week
func WeekGlob(year, week int) string {
	return fmt.Sprintf("%s_%04d_*%s", WeekLabel(week), year, extension)
}

// WeekLabel is the S-prefixed, zero-padded week, e.g. S01
func WeekLabel(week int) string {
	return fmt.Sprintf("S%02d", week)
}
