package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/paracle/internal/app"
	"github.com/YoshitsuguKoike/paracle/internal/app/state"
)

// DefaultSinkTimeout bounds each sink insert. LogChange runs while the
// state lock is held, so a slow sink must not hold up other writers.
const DefaultSinkTimeout = 250 * time.Millisecond

// Sink receives the entries of every save after they are appended to the
// log file, e.g. a queryable index.
type Sink interface {
	Insert(ctx context.Context, entries []Entry) error
}

// Logger appends change entries to a JSON Lines file. It implements
// state.ChangeRecorder: failures are logged and never reach the caller.
type Logger struct {
	path        string
	fs          afero.Fs
	sinks       []Sink
	sinkTimeout time.Duration
	logger      app.Logger
	now         func() time.Time
	pid         int

	// serializes appends within one process; O_APPEND covers the rest
	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithFS sets the filesystem the log file lives on.
func WithFS(fs afero.Fs) Option {
	return func(l *Logger) { l.fs = fs }
}

// WithSink adds a secondary sink.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// WithSinkTimeout sets the deadline of each sink insert.
func WithSinkTimeout(d time.Duration) Option {
	return func(l *Logger) { l.sinkTimeout = d }
}

// WithLogger overrides the global app logger.
func WithLogger(lg app.Logger) Option {
	return func(l *Logger) { l.logger = lg }
}

// WithClock overrides the clock used when a record has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns a change logger writing to path.
func NewLogger(path string, opts ...Option) *Logger {
	l := &Logger{path: path, now: time.Now, pid: os.Getpid(), sinkTimeout: DefaultSinkTimeout}
	for _, opt := range opts {
		opt(l)
	}
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	return l
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// LogChange records the difference between old and new, attributed to
// actor. Errors are logged as warnings.
func (l *Logger) LogChange(old, new *state.Record, actor string) {
	if new == nil {
		return
	}
	entries, data, err := l.encode(l.Entries(old, new, actor))
	if err != nil {
		l.log().Warn("changelog: %v", err)
	}
	if err := l.write(data); err != nil {
		l.log().Warn("changelog: append %s: %v", l.path, err)
	}
	if len(entries) == 0 {
		return
	}
	for _, s := range l.sinks {
		if err := l.insert(s, entries); err != nil {
			l.log().Warn("changelog: sink: %v", err)
		}
	}
}

func (l *Logger) insert(s Sink, entries []Entry) error {
	ctx := context.Background()
	if l.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.sinkTimeout)
		defer cancel()
	}
	return s.Insert(ctx, entries)
}

// Entries builds the log entries for one save. All entries share the
// save's timestamp and revision.
func (l *Logger) Entries(old, new *state.Record, actor string) []Entry {
	ts := new.UpdatedAt()
	if ts.IsZero() {
		ts = l.now()
	}
	stamp := ts.UTC().Format(time.RFC3339Nano)

	changes := Diff(old, new)
	entries := make([]Entry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, Entry{
			ID:       ulid.Make().String(),
			TS:       stamp,
			Actor:    actor,
			PID:      l.pid,
			Field:    c.Field,
			Old:      c.Old,
			New:      c.New,
			Revision: new.Revision(),
		})
	}
	return entries
}

// Append writes entries as JSON lines in a single write on an O_APPEND
// descriptor, so lines from concurrent processes never interleave. An
// entry that cannot be encoded is skipped and reported in the returned
// error; the others are still written.
func (l *Logger) Append(entries []Entry) error {
	_, data, encErr := l.encode(entries)
	if err := l.write(data); err != nil {
		return errors.Join(encErr, err)
	}
	return encErr
}

// encode renders entries as JSON lines and returns the entries that made
// it into the output.
func (l *Logger) encode(entries []Entry) ([]Entry, []byte, error) {
	var (
		buf  bytes.Buffer
		kept = make([]Entry, 0, len(entries))
		errs []error
	)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("skip entry %s (revision %d): %w", e.Field, e.Revision, err))
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		kept = append(kept, e)
	}
	return kept, buf.Bytes(), errors.Join(errs...)
}

func (l *Logger) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		// the lines are written; only durability is in doubt
		l.log().Warn("changelog: fsync %s: %v", l.path, err)
	}
	return nil
}

func (l *Logger) log() app.Logger {
	if l.logger != nil {
		return l.logger
	}
	return app.GetLogger()
}
