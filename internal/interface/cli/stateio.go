package cli

import (
	"github.com/YoshitsuguKoike/paracle/internal/app"
	"github.com/YoshitsuguKoike/paracle/internal/app/changelog"
	"github.com/YoshitsuguKoike/paracle/internal/app/config"
	"github.com/YoshitsuguKoike/paracle/internal/app/state"
	"github.com/YoshitsuguKoike/paracle/internal/infra/lock"
	"github.com/YoshitsuguKoike/paracle/internal/infrastructure/persistence/sqlite"
)

// stateEnv is everything a state command needs, built from the settings
type stateEnv struct {
	paths   app.Paths
	store   *state.Store
	changes *changelog.Logger   // nil when the change log is disabled
	index   *sqlite.ChangeIndex // nil unless changelog_index is on
}

// resolvePaths applies the configured file names to the home layout
func resolvePaths(cfg config.Config) app.Paths {
	return app.ResolvePathsFrom(cfg.Home()).
		WithStateFile(cfg.StateFile()).
		WithChangesFile(cfg.ChangelogFile())
}

// openState wires the store, change log and optional index. actor
// overrides the configured actor when set.
func openState(cfg config.Config, actor string) (*stateEnv, error) {
	paths := resolvePaths(cfg)
	env := &stateEnv{paths: paths}

	if actor == "" {
		actor = cfg.Actor()
	}

	opts := []state.Option{
		state.WithLocker(lock.NewFileManager(paths.StateLock, lock.WithRetry(cfg.LockRetry()))),
		state.WithLockTimeout(cfg.LockTimeout()),
		state.WithUpdateAttempts(cfg.UpdateAttempts()),
		state.WithSweepAge(cfg.TempSweepAge()),
		state.WithDefaultPhase(cfg.DefaultPhase()),
		state.WithActor(actor),
	}

	if cfg.ChangelogEnabled() {
		var logOpts []changelog.Option
		if cfg.ChangelogIndex() {
			idx, err := sqlite.OpenChangeIndex(paths.ChangesIndex)
			if err != nil {
				// The JSONL log is authoritative; run without the index
				Warn("change index unavailable: %v", err)
			} else {
				env.index = idx
				logOpts = append(logOpts, changelog.WithSink(idx))
			}
		}
		env.changes = changelog.NewLogger(paths.Changes, logOpts...)
		opts = append(opts, state.WithChangeRecorder(env.changes))
	}

	store, err := state.NewStore(paths.State, opts...)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.store = store

	Debug("state file %s (%s), lock %s", paths.State, store.Format(), store.LockPath())
	return env, nil
}

// Close releases the index database, if open
func (e *stateEnv) Close() {
	if e.index == nil {
		return
	}
	if err := e.index.Close(); err != nil {
		Warn("close change index: %v", err)
	}
	e.index = nil
}

// userError shows the operator message for a store error while keeping
// the original error reachable through errors.Is and errors.As
type userError struct {
	err error
}

func (e *userError) Error() string { return state.UserMessage(e.err) }
func (e *userError) Unwrap() error { return e.err }

func describe(err error) error {
	if err == nil {
		return nil
	}
	Debug("%v", err)
	return &userError{err: err}
}
