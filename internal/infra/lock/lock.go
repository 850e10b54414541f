// Package lock provides the cross-process advisory lock that guards the
// project state file. A lock lives in a companion file (<state>.lock); only
// its lock state matters, its content is diagnostic holder information.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimeout is used when Acquire is called with a non-positive timeout
	DefaultTimeout = 10 * time.Second
	// DefaultRetry is the poll interval while a lock is contended
	DefaultRetry = 50 * time.Millisecond
)

// Mode selects shared (read) or exclusive (write) locking.
type Mode int

const (
	// Shared allows any number of concurrent holders and excludes Exclusive
	Shared Mode = iota
	// Exclusive excludes every other holder
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Handle is a held lock. Release is idempotent.
type Handle interface {
	Release() error
	Path() string
	Mode() Mode
}

// Manager acquires locks on a single lock file.
type Manager interface {
	// Acquire blocks until the lock is granted, the timeout elapses or ctx
	// is done. A non-positive timeout means DefaultTimeout.
	Acquire(ctx context.Context, mode Mode, timeout time.Duration) (Handle, error)
	// Path is the lock file the manager guards
	Path() string
}

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("state lock timeout")

// TimeoutError reports a lock that was not granted within the timeout.
// It is retryable: another process is in the middle of an update.
type TimeoutError struct {
	Path     string
	Mode     Mode
	Waited   time.Duration
	Attempts int
	// Holder is the last recorded exclusive holder, if the lock file has one
	Holder *Holder
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("state lock timeout (path=%s mode=%s waited=%s attempts=%d)",
		e.Path, e.Mode, e.Waited.Truncate(time.Millisecond), e.Attempts)
	if e.Holder != nil && e.Holder.PID > 0 {
		msg += fmt.Sprintf(" last holder pid=%d host=%s since=%s", e.Holder.PID, e.Holder.Hostname, e.Holder.AcquiredAt)
	}
	return msg
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// poll calls try until it reports success, fails, the timeout elapses or
// ctx is done. try must not block.
func poll(ctx context.Context, path string, mode Mode, timeout, retry time.Duration, try func() (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	if retry > timeout {
		retry = timeout
	}

	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(retry)
	defer timer.Stop()

	attempts := 0
	for {
		attempts++
		ok, err := try()
		if err != nil {
			return fmt.Errorf("acquire %s lock on %s: %w", mode, path, err)
		}
		if ok {
			return nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return &TimeoutError{
				Path:     path,
				Mode:     mode,
				Waited:   now.Sub(start),
				Attempts: attempts,
			}
		}

		wait := retry
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s lock on %s: %w", mode, path, ctx.Err())
		case <-timer.C:
		}
	}
}
