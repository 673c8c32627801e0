// Package bundle zips the files of one archive week into a temporary file
package bundle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/naming"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

const ContentType = "application/zip"

// WeekLister resolves the files of a week, see agg.Aggregator
type WeekLister interface {
	Week(year, week int) (archive.WeekBucket, error)
}

type Builder struct {
	weeks   WeekLister
	prefix  string
	tempDir string
	logger  *slog.Logger
}

// NewBuilder creates bundles named <prefix>_S<week>_<year>_Archives.zip in tempDir ("" is os.TempDir)
func NewBuilder(weeks WeekLister, prefix, tempDir string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		weeks:   weeks,
		prefix:  prefix,
		tempDir: tempDir,
		logger:  logger,
	}
}

// Name is the download name of the bundle for a week
func (b *Builder) Name(year, week int) string {
	return fmt.Sprintf("%s_%s_%d_Archives.zip", b.prefix, naming.WeekLabel(week), year)
}

// ListWeekFiles returns the metadata of a week without building a bundle
func (b *Builder) ListWeekFiles(year, week int) (archive.WeekBucket, error) {
	return b.weeks.Week(year, week)
}

// Build zips all files of a week. The caller must Close the returned Bundle, which deletes the temporary file.
func (b *Builder) Build(year, week int) (*Bundle, error) {
	bucket, err := b.weeks.Week(year, week)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	tmp, err := os.CreateTemp(b.tempDir, "bundle-"+id.String()+"-*.zip")
	if err != nil {
		return nil, fmt.Errorf("%w: creating bundle: %w", archive.ErrInternal, err)
	}
	bundle := &Bundle{
		ID:      id,
		Name:    b.Name(year, week),
		Entries: bucket.FileCount(),
		file:    tmp,
		logger:  b.logger,
	}
	if err = writeZip(tmp, bucket.Files); err != nil {
		bundle.Close()
		return nil, fmt.Errorf("%w: writing bundle %s: %w", archive.ErrInternal, bundle.Name, err)
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		bundle.Close()
		return nil, fmt.Errorf("%w: sizing bundle %s: %w", archive.ErrInternal, bundle.Name, err)
	}
	bundle.Size = size

	b.logger.Info("bundle built", "bundle", bundle.Name, "id", id, "entries", bundle.Entries, "bytes", size)
	return bundle, nil
}

func writeZip(w io.Writer, files []archive.FileRecord) error {
	zw := zip.NewWriter(w)
	for _, record := range files {
		if err := addFile(zw, record); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, record archive.FileRecord) error {
	file, err := os.Open(record.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	// basename only, never the directory
	header.Name = record.Filename
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}

// Bundle is a finished zip in a temporary file
type Bundle struct {
	ID      uuid.UUID
	Name    string
	Size    int64
	Entries int

	file      *os.File
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (b *Bundle) Read(p []byte) (int, error) {
	return b.file.Read(p)
}

// Path is the location of the temporary file, valid until Close. Only tests look at it.
func (b *Bundle) Path() string {
	return b.file.Name()
}

// Close releases and deletes the temporary file, it is safe to call more than once
func (b *Bundle) Close() error {
	b.closeOnce.Do(func() {
		closeErr := b.file.Close()
		removeErr := os.Remove(b.file.Name())
		if errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}
		if removeErr != nil {
			b.logger.Error("could not remove temporary bundle", "file", b.file.Name(), "error", removeErr)
		}
		b.closeErr = errors.Join(closeErr, removeErr)
	})
	return b.closeErr
}
