package state

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long the watcher waits after the last file event
// before reloading.
const WatchDebounce = 100 * time.Millisecond

// Watcher follows the state file and emits each record whose revision is
// newer than the last one emitted. It only works for stores on the OS
// filesystem.
type Watcher struct {
	Updates <-chan *Record // closed by Stop
	Errors  <-chan error   // load failures, dropped when nobody reads

	store    *Store
	updates  chan *Record
	errs     chan error
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	watcher  *fsnotify.Watcher
	last     int
}

// NewWatcher creates a watcher for the store's file. Call Start to begin
// and Stop to release it.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	updates := make(chan *Record, 16)
	errs := make(chan error, 1)
	return &Watcher{
		Updates: updates,
		Errors:  errs,
		store:   store,
		updates: updates,
		errs:    errs,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		watcher: fw,
		last:    -1,
	}, nil
}

// Start watches the directory holding the state file. The current record
// is emitted first. The rename done by Save shows up as a create event in
// the directory, which is why the directory is watched and not the file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.store.Path())); err != nil {
		return err
	}
	w.started.Store(true)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and closes Updates and Errors. It is safe to call
// more than once, and on a watcher that was never started.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
		if w.started.Load() {
			<-w.done
		}
		close(w.updates)
		close(w.errs)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	if !w.reload(ctx) {
		return
	}

	target := filepath.Clean(w.store.Path())
	var pending time.Time
	ticker := time.NewTicker(WatchDebounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < WatchDebounce {
				continue
			}
			pending = time.Time{}
			if !w.reload(ctx) {
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.log().Warn("state: watch %s: %v", w.store.Path(), err)
		}
	}
}

// reload loads the record and emits it if its revision advanced. It
// returns false when the watcher is shutting down.
func (w *Watcher) reload(ctx context.Context) bool {
	rec, err := w.store.Load(ctx)
	if err != nil {
		select {
		case w.errs <- err:
		default:
		}
		return ctx.Err() == nil
	}
	if rec.Revision() <= w.last {
		return true
	}
	w.last = rec.Revision()

	select {
	case w.updates <- rec:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
