package archive

import (
	"errors"

	"github.com/iancoleman/strcase"
)

var (
	// ErrInvalidInput is a malformed filename, year or week supplied by a client
	ErrInvalidInput = errors.New("invalid input")
	// ErrAccessDenied is a path that resolves outside the archive root
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is a year, week or file that does not exist on disk
	ErrNotFound = errors.New("not found")
	// ErrInternal is an I/O failure while producing a response
	ErrInternal = errors.New("internal failure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "InvalidInput"},
	{ErrAccessDenied, "AccessDenied"},
	{ErrNotFound, "NotFound"},
	{ErrInternal, "InternalFailure"},
}

// Code returns a snake_case code for the kind of err, unknown errors count as internal failures
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, kind := range kinds {
		if errors.Is(err, kind.err) {
			return strcase.ToSnake(kind.name)
		}
	}
	return strcase.ToSnake("InternalFailure")
}
