package lock

import (
	"context"
	"sync"
	"time"
)

// MemManager is an in-process Manager with the same shared/exclusive
// semantics as FileManager. Every store that should contend for the lock
// must share one MemManager, the way processes share one lock file. It
// backs stores that run on an in-memory filesystem.
type MemManager struct {
	path  string
	retry time.Duration

	mu      sync.Mutex
	readers int
	writer  bool
}

// NewMemManager returns an unlocked in-process manager named path.
func NewMemManager(path string, opts ...Option) *MemManager {
	o := buildOptions(opts)
	return &MemManager{path: path, retry: o.retry}
}

// Path returns the name the manager was created with.
func (m *MemManager) Path() string {
	return m.path
}

// Acquire polls until the lock is granted or the wait is over.
func (m *MemManager) Acquire(ctx context.Context, mode Mode, timeout time.Duration) (Handle, error) {
	err := poll(ctx, m.path, mode, timeout, m.retry, func() (bool, error) {
		return m.tryAcquire(mode), nil
	})
	if err != nil {
		return nil, err
	}
	return &memHandle{m: m, mode: mode}, nil
}

func (m *MemManager) tryAcquire(mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer {
		return false
	}
	if mode == Exclusive {
		if m.readers > 0 {
			return false
		}
		m.writer = true
		return true
	}
	m.readers++
	return true
}

func (m *MemManager) release(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == Exclusive {
		m.writer = false
		return
	}
	if m.readers > 0 {
		m.readers--
	}
}

type memHandle struct {
	once sync.Once
	m    *MemManager
	mode Mode
}

func (h *memHandle) Path() string { return h.m.path }
func (h *memHandle) Mode() Mode   { return h.mode }

// Release gives the lock back. Later calls are no-ops.
func (h *memHandle) Release() error {
	h.once.Do(func() { h.m.release(h.mode) })
	return nil
}
