// Package guard resolves client supplied archive file names to paths inside the archive root
package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/naming"
)

type Guard struct {
	root string
}

func New(root string) *Guard {
	return &Guard{root: root}
}

// Resolve validates year and filename and returns the canonical absolute path of root/year/filename.
// It must run before any client supplied name is opened or stat'ed.
func (g *Guard) Resolve(year, filename string) (string, error) {
	y, err := ParseYear(year)
	if err != nil {
		return "", err
	}
	if !naming.Match(filename) {
		return "", fmt.Errorf("%w: invalid filename %q", archive.ErrInvalidInput, filename)
	}

	canonicalRoot, err := canonical(g.root)
	if err != nil {
		// a missing root is a deployment problem, the path stays out of client responses
		return "", fmt.Errorf("%w: archive root %s: %w", archive.ErrInternal, g.root, err)
	}
	candidate, err := canonical(filepath.Join(g.root, strconv.Itoa(y), filename))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s/%s", archive.ErrNotFound, year, filename)
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s/%s: %w", archive.ErrAccessDenied, year, filename, err)
	}
	if !within(canonicalRoot, candidate) {
		return "", fmt.Errorf("%w: %s/%s resolves outside the archive", archive.ErrAccessDenied, year, filename)
	}
	return candidate, nil
}

// ParseYear accepts a decimal year within the archive's year range
func ParseYear(year string) (int, error) {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil || !archive.ValidYear(y) {
		return 0, fmt.Errorf("%w: invalid year %q", archive.ErrInvalidInput, year)
	}
	return y, nil
}

// ParseWeek accepts a decimal week number 1-53
func ParseWeek(week string) (int, error) {
	w, err := strconv.Atoi(strings.TrimSpace(week))
	if err != nil || !archive.ValidWeek(w) {
		return 0, fmt.Errorf("%w: invalid week %q", archive.ErrInvalidInput, week)
	}
	return w, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
