package du

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/PDOK/csv-archive-server/internal/archive"
)

// LocalReader reads du Row s from the local filesystem
type LocalReader struct {
	root   string
	logger *slog.Logger
}

func NewLocalReader(root string, logger *slog.Logger) *LocalReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalReader{root: root, logger: logger}
}

// YearDirs lists the names of all immediate subdirectories of root, unfiltered
func (lr *LocalReader) YearDirs() ([]string, error) {
	entries, err := os.ReadDir(lr.root)
	if errors.Is(err, fs.ErrNotExist) {
		lr.logger.Warn("archive root does not exist", "root", lr.root)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive root %s: %w", lr.root, err)
	}
	var dirs []string
	for _, entry := range entries {
		if isDir(filepath.Join(lr.root, entry.Name()), entry) {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// Files stats the regular files in yearDir whose name matches pattern (filepath.Match syntax), sorted by name
func (lr *LocalReader) Files(yearDir, pattern string) ([]Row, error) {
	dir := filepath.Join(lr.root, yearDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("year directory %s: %w", yearDir, archive.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading year directory %s: %w", dir, err)
	}
	var rows []Row
	for _, entry := range entries {
		matched, err := filepath.Match(pattern, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %w", archive.ErrInvalidInput, pattern, err)
		}
		if !matched {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil { // removed or broken link between listing and stat
			lr.logger.Warn("skipping unreadable archive file", "file", path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		rows = append(rows, Row{
			Name:     entry.Name(),
			Path:     path,
			Bytes:    info.Size(),
			Modified: info.ModTime(),
		})
	}
	return rows, nil
}

func isDir(path string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
