package state

import (
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/paracle/internal/infra/lock"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/file"
)

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("state revision conflict")
	// ErrCorrupt matches every *DeserializationError.
	ErrCorrupt = errors.New("state file corrupted")
)

// ConflictError is returned by Save when the on-disk revision is not the
// one the record was loaded at.
type ConflictError struct {
	Path     string
	Expected int // revision the caller loaded
	Actual   int // revision found on disk
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict on %s: expected revision %d, found %d", e.Path, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DeserializationError is returned when the state file exists but cannot
// be parsed or fails validation. The file is left as it is.
type DeserializationError struct {
	Path string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("state file %s is corrupted: %v", e.Path, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrCorrupt
}

// UserMessage turns a store error into a short message for people.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var de *DeserializationError
	var we *file.WriteError
	switch {
	case errors.Is(err, lock.ErrTimeout):
		return "another process is updating project state, please retry"
	case errors.Is(err, ErrConflict):
		return "state changed concurrently, reloading"
	case errors.As(err, &de):
		return "state file appears corrupted: " + de.Path
	case errors.As(err, &we):
		return "could not write project state: " + we.Err.Error()
	default:
		return err.Error()
	}
}
