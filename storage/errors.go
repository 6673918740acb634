package storage

import (
	"errors"
	"fmt"
)

var (
	ErrStorageUnavailable = errors.New("file storage is unavailable")
	ErrWriteFailure       = errors.New("file storage write failed")
	ErrNotFound           = errors.New("file not found in storage")
	ErrInvalidName        = errors.New("invalid file name")
	ErrNotReady           = errors.New("file storage is not recovered")
)

// WriteError reports a failed staging, commit, rollback or delete of one artifact.
// It matches ErrWriteFailure with errors.Is.
type WriteError struct {
	Op   string
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s: %v", ErrWriteFailure, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrWriteFailure, e.Op, e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailure }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
