package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// managers returns one fresh manager of each kind
func managers(t *testing.T) map[string]Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "current_state.yaml.lock")
	return map[string]Manager{
		"file": NewFileManager(path, WithRetry(5*time.Millisecond)),
		"mem":  NewMemManager(path, WithRetry(5*time.Millisecond)),
	}
}

func TestExclusiveExcludesExclusive(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h1, err := m.Acquire(ctx, Exclusive, time.Second)
			require.NoError(t, err)

			_, err = m.Acquire(ctx, Exclusive, 50*time.Millisecond)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTimeout))

			var te *TimeoutError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, m.Path(), te.Path)
			assert.Equal(t, Exclusive, te.Mode)
			assert.GreaterOrEqual(t, te.Waited, 50*time.Millisecond)
			assert.Greater(t, te.Attempts, 1)

			require.NoError(t, h1.Release())

			h2, err := m.Acquire(ctx, Exclusive, time.Second)
			require.NoError(t, err)
			require.NoError(t, h2.Release())
		})
	}
}

func TestSharedLocks(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r1, err := m.Acquire(ctx, Shared, time.Second)
			require.NoError(t, err)
			r2, err := m.Acquire(ctx, Shared, time.Second)
			require.NoError(t, err, "shared locks must coexist")

			_, err = m.Acquire(ctx, Exclusive, 30*time.Millisecond)
			assert.ErrorIs(t, err, ErrTimeout, "exclusive must wait for readers")

			require.NoError(t, r1.Release())
			require.NoError(t, r2.Release())

			w, err := m.Acquire(ctx, Exclusive, time.Second)
			require.NoError(t, err)

			_, err = m.Acquire(ctx, Shared, 30*time.Millisecond)
			assert.ErrorIs(t, err, ErrTimeout, "readers must wait for the writer")
			require.NoError(t, w.Release())
		})
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h1, err := m.Acquire(ctx, Exclusive, time.Second)
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				time.Sleep(40 * time.Millisecond)
				_ = h1.Release()
			}()

			start := time.Now()
			h2, err := m.Acquire(ctx, Exclusive, 2*time.Second)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
			require.NoError(t, h2.Release())
			<-done
		})
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			h1, err := m.Acquire(context.Background(), Exclusive, time.Second)
			require.NoError(t, err)
			defer h1.Release()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			_, err = m.Acquire(ctx, Exclusive, 5*time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.NotErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			h, err := m.Acquire(context.Background(), Shared, time.Second)
			require.NoError(t, err)
			assert.Equal(t, Shared, h.Mode())
			assert.Equal(t, m.Path(), h.Path())

			require.NoError(t, h.Release())
			require.NoError(t, h.Release())

			w, err := m.Acquire(context.Background(), Exclusive, 100*time.Millisecond)
			require.NoError(t, err, "double release must not leave a reader behind")
			require.NoError(t, w.Release())
		})
	}
}

func TestExclusiveSectionsNeverOverlap(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside   int32
				overlaps int32
				wg       sync.WaitGroup
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 5; j++ {
						h, err := m.Acquire(context.Background(), Exclusive, 5*time.Second)
						if err != nil {
							t.Errorf("Acquire() error = %v", err)
							return
						}
						if atomic.AddInt32(&inside, 1) > 1 {
							atomic.AddInt32(&overlaps, 1)
						}
						time.Sleep(time.Millisecond)
						atomic.AddInt32(&inside, -1)
						_ = h.Release()
					}
				}()
			}
			wg.Wait()
			assert.Zero(t, atomic.LoadInt32(&overlaps))
		})
	}
}

func TestFileManagerWritesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.lock")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewFileManager(path, WithClock(func() time.Time { return fixed }))

	h, err := m.Acquire(context.Background(), Exclusive, time.Second)
	require.NoError(t, err)

	holder, err := ReadHolder(path)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, fixed.Format(time.RFC3339Nano), holder.AcquiredAt)
	assert.True(t, holder.Local())
	assert.True(t, holder.Alive())

	_, err = m.Acquire(context.Background(), Exclusive, 20*time.Millisecond)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.NotNil(t, te.Holder)
	assert.Equal(t, os.Getpid(), te.Holder.PID)
	assert.Contains(t, te.Error(), "last holder pid=")

	require.NoError(t, h.Release())

	_, err = os.Stat(path)
	assert.NoError(t, err, "lock file is never removed")
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	st, err := Inspect(path)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.False(t, st.Locked)

	m := NewFileManager(path)
	h, err := m.Acquire(context.Background(), Exclusive, time.Second)
	require.NoError(t, err)

	st, err = Inspect(path)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.Locked)
	require.NotNil(t, st.Holder)
	assert.True(t, st.HolderAlive)

	require.NoError(t, h.Release())

	st, err = Inspect(path)
	require.NoError(t, err)
	assert.False(t, st.Locked)
	require.NotNil(t, st.Holder, "holder record describes the last holder")
}

func TestHolderAliveForDeadProcess(t *testing.T) {
	hostname, _ := os.Hostname()
	h := &Holder{PID: 1 << 22, Hostname: hostname}
	assert.False(t, h.Alive())

	var missing *Holder
	assert.False(t, missing.Alive())

	remote := &Holder{PID: 42, Hostname: "some-other-host.invalid"}
	assert.True(t, remote.Alive(), "remote holders cannot be checked")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "shared", Shared.String())
	assert.Equal(t, "exclusive", Exclusive.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}
