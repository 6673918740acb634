package storage

import "fmt"

// Status of a read
type Status int

const (
	Found Status = iota
	NotFound
	StorageUnavailable
	WriteFailure
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case StorageUnavailable:
		return "storage unavailable"
	case WriteFailure:
		return "write failure"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of Storage.Get. Content is set only for Found,
// Err carries the detail of every other status.
type Result struct {
	Status  Status
	Content []byte
	Err     error
}

func found(content []byte) Result {
	return Result{Status: Found, Content: content}
}

func failed(status Status, err error) Result {
	return Result{Status: status, Err: err}
}

// Value returns the content or the error behind the status
func (r Result) Value() ([]byte, error) {
	if r.Status == Found {
		return r.Content, nil
	}
	if r.Err != nil {
		return nil, r.Err
	}
	switch r.Status {
	case NotFound:
		return nil, ErrNotFound
	case StorageUnavailable:
		return nil, ErrStorageUnavailable
	}
	return nil, ErrWriteFailure
}
