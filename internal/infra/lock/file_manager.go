package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileManager locks an on-disk lock file with the platform advisory lock
// (flock on unix, LockFileEx on Windows).
type FileManager struct {
	path  string
	retry time.Duration
	now   func() time.Time
}

// Option configures a manager.
type Option func(*options)

type options struct {
	retry time.Duration
	now   func() time.Time
}

// WithRetry sets the poll interval used while the lock is contended.
func WithRetry(d time.Duration) Option {
	return func(o *options) { o.retry = d }
}

// WithClock overrides the clock used for holder timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{retry: DefaultRetry, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewFileManager returns a manager for the lock file at path.
func NewFileManager(path string, opts ...Option) *FileManager {
	o := buildOptions(opts)
	return &FileManager{path: path, retry: o.retry, now: o.now}
}

// Path returns the lock file path.
func (m *FileManager) Path() string {
	return m.path
}

// Acquire opens (creating if needed) the lock file and polls for the lock.
func (m *FileManager) Acquire(ctx context.Context, mode Mode, timeout time.Duration) (Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", m.path, err)
	}

	err = poll(ctx, m.path, mode, timeout, m.retry, func() (bool, error) {
		return tryLock(f, mode)
	})
	if err != nil {
		f.Close()
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Holder, _ = ReadHolder(m.path)
		}
		return nil, err
	}

	if mode == Exclusive {
		// Diagnostic only; a failed write must not cost us the lock
		_ = writeHolder(f, newHolder(m.now()))
	}

	return &fileHandle{f: f, path: m.path, mode: mode}, nil
}

// fileHandle is a lock held through an open descriptor
type fileHandle struct {
	mu   sync.Mutex
	f    *os.File
	path string
	mode Mode
}

func (h *fileHandle) Path() string { return h.path }
func (h *fileHandle) Mode() Mode   { return h.mode }

// Release unlocks and closes the descriptor. Later calls are no-ops.
func (h *fileHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	unlockErr := unlock(h.f)
	closeErr := h.f.Close()
	h.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", h.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", h.path, closeErr)
	}
	return nil
}
