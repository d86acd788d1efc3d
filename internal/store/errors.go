package store

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt marks a durable file that could not be decoded or failed
	// schema validation.
	ErrCorrupt = errors.New("durable memory file is corrupt")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// PersistenceError reports a failed durable write. The in-memory document
// already reflects the change when this is returned.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s to %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
