// Package state persists the project state record in a single file shared
// by concurrent processes.
//
// Reads hold a shared lock and writes an exclusive one on <path>.lock.
// Writes go through a temp file and rename, so the state file is always
// either the previous or the next complete record. Every record carries a
// revision; Save refuses to overwrite a revision the caller did not load
// unless conflict checking is turned off.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/YoshitsuguKoike/paracle/internal/app"
	"github.com/YoshitsuguKoike/paracle/internal/infra/lock"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/codec"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/file"
)

// Defaults for a Store built without options.
const (
	DefaultLockTimeout    = lock.DefaultTimeout
	DefaultUpdateAttempts = 5
	DefaultSweepAge       = time.Hour
	LockSuffix            = ".lock"
)

// ChangeRecorder is told about every successful save. It must not fail the
// save: implementations swallow and log their own errors.
type ChangeRecorder interface {
	LogChange(old, new *Record, actor string)
}

// Store reads and writes one state file.
type Store struct {
	path         string
	fs           afero.Fs
	codec        codec.Codec
	locker       lock.Manager
	recorder     ChangeRecorder
	logger       app.Logger
	timeout      time.Duration
	attempts     int
	sweepAge     time.Duration
	defaultPhase string
	actor        string
	perm         os.FileMode
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithFS sets the filesystem. Stores on a non-OS filesystem default to an
// in-process lock.
func WithFS(fs afero.Fs) Option {
	return func(s *Store) { s.fs = fs }
}

// WithLocker sets the lock manager. Stores that must exclude each other
// have to share one manager, or point at the same lock file.
func WithLocker(m lock.Manager) Option {
	return func(s *Store) { s.locker = m }
}

// WithChangeRecorder attaches a change logger.
func WithChangeRecorder(r ChangeRecorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger overrides the global app logger.
func WithLogger(l app.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLockTimeout sets how long Load and Save wait for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithUpdateAttempts sets how often Update retries after a conflict.
func WithUpdateAttempts(n int) Option {
	return func(s *Store) { s.attempts = n }
}

// WithSweepAge sets the minimum age of temp files removed by Sweep.
func WithSweepAge(d time.Duration) Option {
	return func(s *Store) { s.sweepAge = d }
}

// WithDefaultPhase sets the phase reported when no state file exists.
func WithDefaultPhase(phase string) Option {
	return func(s *Store) { s.defaultPhase = phase }
}

// WithActor sets the actor recorded in the change log.
func WithActor(actor string) Option {
	return func(s *Store) { s.actor = actor }
}

// WithCodec overrides the format picked from the file extension.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithPerm sets the permission bits of the state file.
func WithPerm(perm os.FileMode) Option {
	return func(s *Store) { s.perm = perm }
}

// WithClock overrides the clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a store for the state file at path. The format follows
// the extension (.yaml, .yml, .json, .toml) unless WithCodec is given.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:         path,
		timeout:      DefaultLockTimeout,
		attempts:     DefaultUpdateAttempts,
		sweepAge:     DefaultSweepAge,
		defaultPhase: DefaultPhase,
		perm:         0o644,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.codec == nil {
		c, err := codec.ForPath(path)
		if err != nil {
			return nil, err
		}
		s.codec = c
	}
	if s.locker == nil {
		if _, ok := s.fs.(*afero.OsFs); ok {
			s.locker = lock.NewFileManager(path + LockSuffix)
		} else {
			s.locker = lock.NewMemManager(path + LockSuffix)
		}
	}
	if s.actor == "" {
		s.actor = DefaultActor()
	} else {
		s.actor = normalize(s.actor)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return s, nil
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// LockPath returns the path of the lock the store uses.
func (s *Store) LockPath() string { return s.locker.Path() }

// Format returns the codec name.
func (s *Store) Format() string { return s.codec.Name() }

// CallOption adjusts a single Load, Save or Update.
type CallOption func(*callOptions)

type callOptions struct {
	timeout       time.Duration
	checkConflict bool
	actor         string
}

// WithTimeout overrides the lock timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithoutConflictCheck makes Save overwrite whatever is on disk (last
// writer wins). The revision still advances from the on-disk value.
func WithoutConflictCheck() CallOption {
	return func(o *callOptions) { o.checkConflict = false }
}

// As records actor in the change log for one call.
func As(actor string) CallOption {
	return func(o *callOptions) { o.actor = normalize(actor) }
}

func (s *Store) callOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: s.timeout, checkConflict: true, actor: s.actor}
	for _, opt := range opts {
		opt(&o)
	}
	if o.actor == "" {
		o.actor = s.actor
	}
	return o
}

// Load returns the current record under a shared lock. A missing file
// yields the default record at revision 0. Lock errors are returned as
// they come from the lock manager.
func (s *Store) Load(ctx context.Context, opts ...CallOption) (*Record, error) {
	o := s.callOptions(opts)

	h, err := s.locker.Acquire(ctx, lock.Shared, o.timeout)
	if err != nil {
		return nil, err
	}
	defer s.release(h)

	rec, _, err := s.read()
	return rec, err
}

// Save writes rec under an exclusive lock and returns the new revision.
//
// The on-disk record is read again while the lock is held. If conflict
// checking is on and its revision differs from rec's, nothing is written
// and a *ConflictError is returned. Otherwise the record is stored with
// revision on-disk+1 and rec is updated to match. The change recorder is
// called after the rename and cannot fail the save.
func (s *Store) Save(ctx context.Context, rec *Record, opts ...CallOption) (int, error) {
	if rec == nil {
		return 0, errors.New("save state: nil record")
	}
	o := s.callOptions(opts)

	h, err := s.locker.Acquire(ctx, lock.Exclusive, o.timeout)
	if err != nil {
		return 0, err
	}
	defer s.release(h)

	current, _, err := s.read()
	if err != nil {
		return 0, err
	}
	if o.checkConflict && current.revision != rec.revision {
		return 0, &ConflictError{Path: s.path, Expected: rec.revision, Actual: current.revision}
	}

	next := rec.Clone()
	next.revision = current.revision + 1
	next.updatedAt = s.now().UTC()

	data, err := s.codec.Marshal(next.toDocument())
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	if err := file.WriteFileAtomic(s.fs, s.path, data, s.perm); err != nil {
		return 0, err
	}

	rec.revision = next.revision
	rec.updatedAt = next.updatedAt
	s.log().Debug("state: saved %s at revision %d (actor %s)", s.path, next.revision, o.actor)

	s.notify(current, next, o.actor)
	return next.revision, nil
}

// Update loads the record, applies fn and saves it, retrying from a fresh
// load when another writer got there first. An error from fn aborts
// without saving. Returns the saved record.
func (s *Store) Update(ctx context.Context, fn func(*Record) error, opts ...CallOption) (*Record, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		rec, err := s.Load(ctx, opts...)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		_, err = s.Save(ctx, rec, opts...)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		s.log().Info("state: %s, retrying (attempt %d/%d)", UserMessage(err), attempt, s.attempts)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update state after %d attempts: %w", s.attempts, lastErr)
}

// Sweep removes temp files left next to the state file by writers that
// died mid-write. Only files older than the sweep age are touched, so an
// in-flight save is never disturbed.
func (s *Store) Sweep() ([]string, error) {
	removed, err := file.SweepTempFiles(s.fs, s.path, s.sweepAge, s.now())
	for _, p := range removed {
		s.log().Info("state: removed stale temp file %s", p)
	}
	return removed, err
}

// read decodes the state file. The caller holds the lock.
func (s *Store) read() (*Record, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRecord(s.defaultPhase), false, nil
		}
		return nil, false, fmt.Errorf("read state %s: %w", s.path, err)
	}

	rec, err := Decode(s.codec, data, s.log().Warn)
	if err != nil {
		return nil, true, &DeserializationError{Path: s.path, Err: err}
	}
	return rec, true, nil
}

func (s *Store) release(h lock.Handle) {
	if err := h.Release(); err != nil {
		s.log().Warn("state: release %s lock: %v", h.Mode(), err)
	}
}

func (s *Store) notify(old, next *Record, actor string) {
	if s.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log().Warn("state: change recorder panicked: %v", r)
		}
	}()
	s.recorder.LogChange(old.Clone(), next.Clone(), actor)
}

func (s *Store) log() app.Logger {
	if s.logger != nil {
		return s.logger
	}
	return app.GetLogger()
}

// Decode parses and validates a state document. warn receives
// non-fatal findings such as unknown phases.
func Decode(c codec.Codec, data []byte, warn func(format string, args ...interface{})) (*Record, error) {
	var raw rawDocument
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}
	return fromRaw(raw, warn)
}

// Encode renders rec in the given format.
func Encode(c codec.Codec, rec *Record) ([]byte, error) {
	return c.Marshal(rec.toDocument())
}

// DefaultActor identifies the current process: <program>[<pid>].
func DefaultActor() string {
	name := filepath.Base(os.Args[0])
	if name == "" || name == "." {
		name = "paracle"
	}
	return norm.NFKC.String(name) + "[" + strconv.Itoa(os.Getpid()) + "]"
}
