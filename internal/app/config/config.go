package config

import "time"

// Config provides read-only access to application configuration.
// The app layer depends on this interface only; the concrete values come
// from setting.json (see infra/config) or from defaults.
type Config interface {
	// Home is the base directory for paracle (PARACLE_HOME)
	Home() string

	// StateFile is the state file name or path, relative to <home>/var
	StateFile() string
	// LockTimeout is the maximum wait for the state lock
	LockTimeout() time.Duration
	// LockRetry is the poll interval while the lock is contended
	LockRetry() time.Duration
	// UpdateAttempts bounds reload-and-reapply attempts on conflict
	UpdateAttempts() int
	// TempSweepAge is the age after which orphaned temp files are removed
	TempSweepAge() time.Duration
	// DefaultPhase is the phase of a freshly created state record
	DefaultPhase() string
	// Actor is recorded in the change log ("" means derived from the process)
	Actor() string

	// ChangelogFile is the change log name or path, relative to <home>/var
	ChangelogFile() string
	// ChangelogEnabled turns change entries on save on or off
	ChangelogEnabled() bool
	// ChangelogIndex mirrors change entries into state_changes.db
	ChangelogIndex() bool

	// StderrLevel is the stderr log level
	StderrLevel() string

	// ConfigSource is "json" or "default"
	ConfigSource() string
	// SettingPath is the path to setting.json if loaded from file
	SettingPath() string
}

// AppConfig is the concrete implementation of Config.
type AppConfig struct {
	home string

	stateFile      string
	lockTimeout    time.Duration
	lockRetry      time.Duration
	updateAttempts int
	tempSweepAge   time.Duration
	defaultPhase   string
	actor          string

	changelogFile    string
	changelogEnabled bool
	changelogIndex   bool

	stderrLevel string

	configSource string
	settingPath  string
}

// Values is the flat set of inputs used to build an AppConfig.
type Values struct {
	Home             string
	StateFile        string
	LockTimeoutSec   int
	LockRetryMs      int
	UpdateAttempts   int
	TempSweepAgeSec  int
	DefaultPhase     string
	Actor            string
	ChangelogFile    string
	ChangelogEnabled bool
	ChangelogIndex   bool
	StderrLevel      string
	ConfigSource     string
	SettingPath      string
}

// NewAppConfig creates a new AppConfig from v.
func NewAppConfig(v Values) *AppConfig {
	return &AppConfig{
		home:             v.Home,
		stateFile:        v.StateFile,
		lockTimeout:      time.Duration(v.LockTimeoutSec) * time.Second,
		lockRetry:        time.Duration(v.LockRetryMs) * time.Millisecond,
		updateAttempts:   v.UpdateAttempts,
		tempSweepAge:     time.Duration(v.TempSweepAgeSec) * time.Second,
		defaultPhase:     v.DefaultPhase,
		actor:            v.Actor,
		changelogFile:    v.ChangelogFile,
		changelogEnabled: v.ChangelogEnabled,
		changelogIndex:   v.ChangelogIndex,
		stderrLevel:      v.StderrLevel,
		configSource:     v.ConfigSource,
		settingPath:      v.SettingPath,
	}
}

// Default returns the configuration used when no setting.json exists.
func Default() *AppConfig {
	return NewAppConfig(Values{
		Home:             ".paracle",
		StateFile:        "current_state.yaml",
		LockTimeoutSec:   10,
		LockRetryMs:      50,
		UpdateAttempts:   5,
		TempSweepAgeSec:  3600,
		DefaultPhase:     "init",
		ChangelogFile:    "state_changes.jsonl",
		ChangelogEnabled: true,
		StderrLevel:      "warn",
		ConfigSource:     "default",
	})
}

// Home returns the base directory
func (c *AppConfig) Home() string {
	return c.home
}

// StateFile returns the configured state file
func (c *AppConfig) StateFile() string {
	return c.stateFile
}

// LockTimeout returns the maximum lock wait
func (c *AppConfig) LockTimeout() time.Duration {
	return c.lockTimeout
}

// LockRetry returns the lock poll interval
func (c *AppConfig) LockRetry() time.Duration {
	return c.lockRetry
}

// UpdateAttempts returns the conflict retry budget
func (c *AppConfig) UpdateAttempts() int {
	return c.updateAttempts
}

// TempSweepAge returns the orphaned temp file age threshold
func (c *AppConfig) TempSweepAge() time.Duration {
	return c.tempSweepAge
}

// DefaultPhase returns the phase for new records
func (c *AppConfig) DefaultPhase() string {
	return c.defaultPhase
}

// Actor returns the configured actor name
func (c *AppConfig) Actor() string {
	return c.actor
}

// ChangelogFile returns the configured change log file
func (c *AppConfig) ChangelogFile() string {
	return c.changelogFile
}

// ChangelogEnabled returns whether change entries are written
func (c *AppConfig) ChangelogEnabled() bool {
	return c.changelogEnabled
}

// ChangelogIndex returns whether the SQLite index is maintained
func (c *AppConfig) ChangelogIndex() bool {
	return c.changelogIndex
}

// StderrLevel returns the stderr log level
func (c *AppConfig) StderrLevel() string {
	return c.stderrLevel
}

// ConfigSource returns the source of configuration
func (c *AppConfig) ConfigSource() string {
	return c.configSource
}

// SettingPath returns the path to setting.json
func (c *AppConfig) SettingPath() string {
	return c.settingPath
}
