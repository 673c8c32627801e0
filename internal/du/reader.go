// Package du is the link between the archive directory tree and du (disk usage) data
package du

import (
	"time"

	"github.com/PDOK/csv-archive-server/internal/archive"
)

// Row is the size info of a single file in a year directory
type Row struct {
	Name     string
	Path     string
	Bytes    archive.StorageUsage
	Modified time.Time
}

// Reader provides Row s from a directory tree organised as <root>/<year>/<files>
//
// Implementations are read-only. A missing root is not an error: YearDirs returns no names.
// A missing year directory is reported by Files with an error wrapping archive.ErrNotFound.
type Reader interface {
	YearDirs() ([]string, error)
	Files(yearDir, pattern string) ([]Row, error)
}
