package lattice

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the lattice package.
var (
	// ErrNotFound is returned when a targeted entry or index is absent.
	ErrNotFound = errors.New("not found")

	// ErrIndexNotFound signals that no index exists for the requested key.
	// The read path resolves it internally by falling back to a journal
	// scan; it is only surfaced from explicit index management calls.
	ErrIndexNotFound = errors.New("index not found")

	// ErrAlreadyExists is returned when creating an index that already exists.
	ErrAlreadyExists = errors.New("index already exists")

	// ErrInvalidBoundingBox is returned for degenerate or non-finite boxes.
	ErrInvalidBoundingBox = errors.New("invalid bounding box")

	// ErrInvalidRange is returned when a time range has start > end.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")
)

// IndexErrorOp identifies the index operation that failed.
type IndexErrorOp string

const (
	IndexOpCreate IndexErrorOp = "create"
	IndexOpInsert IndexErrorOp = "insert"
	IndexOpQuery  IndexErrorOp = "query"
	IndexOpDelete IndexErrorOp = "delete"
)

// IndexError carries context about a failed index operation.
type IndexError struct {
	Op       IndexErrorOp
	Database string
	Series   string
	Cause    error
}

func (e *IndexError) Error() string {
	if e.Series != "" {
		return fmt.Sprintf("index %s [db=%s series=%s]: %v", e.Op, e.Database, e.Series, e.Cause)
	}
	return fmt.Sprintf("index %s [db=%s]: %v", e.Op, e.Database, e.Cause)
}

func (e *IndexError) Unwrap() error {
	return e.Cause
}

func newIndexError(op IndexErrorOp, db, series string, cause error) *IndexError {
	return &IndexError{Op: op, Database: db, Series: series, Cause: cause}
}
