package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("store: key not found")
	// ErrEmpty is returned by Pop/PopBlocking when no item is available.
	ErrEmpty = errors.New("store: list empty")
	// ErrUnavailable means the backend connection is lost and could not be re-established.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// CorruptError reports a persisted value that does not decode as expected.
// It separates data corruption from business errors.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: malformed value at %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err wraps a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
