package storage

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrWriterClosed      = errors.New("storage: writer closed")
)

// StorageError records where a ClickHouse call failed. Kind, when set, is
// one of the sentinels above and matches with errors.Is.
type StorageError struct {
	Op      string
	Table   string
	Kind    error
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	where := "storage." + e.Op
	if e.Table != "" {
		where += "(" + e.Table + ")"
	}
	if e.Retries > 0 {
		return fmt.Sprintf("%s after %d retries: %v", where, e.Retries, e.Err)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// IsConnectionError reports whether err came from opening or pinging the
// pool.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// WrapConnectionError tags a failed connect step.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Kind: ErrConnectionFailed, Err: err}
}

// WrapInsertError tags a batch that failed every attempt.
func WrapInsertError(table string, err error, retries int) error {
	return &StorageError{Op: "Insert", Table: table, Kind: ErrBatchInsertFailed, Err: err, Retries: retries}
}
