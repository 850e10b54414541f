package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/YoshitsuguKoike/paracle/internal/app/config"
)

// RawSettings represents the structure of setting.json.
// Pointer fields distinguish "absent" from zero values.
type RawSettings struct {
	// Core settings
	Home *string `json:"home,omitempty"`

	// State store
	StateFile       *string `json:"state_file"`
	LockTimeoutSec  *int    `json:"lock_timeout_sec"`
	LockRetryMs     *int    `json:"lock_retry_ms"`
	UpdateAttempts  *int    `json:"update_attempts"`
	TempSweepAgeSec *int    `json:"temp_sweep_age_sec"`
	DefaultPhase    *string `json:"default_phase"`
	Actor           *string `json:"actor"`

	// Change log
	ChangelogFile    *string `json:"changelog_file"`
	ChangelogEnabled *bool   `json:"changelog_enabled"`
	ChangelogIndex   *bool   `json:"changelog_index"`

	// Logging
	StderrLevel *string `json:"stderr_level"`
}

// LoadSettings loads configuration from <baseDir>/setting.json.
// Priority: setting.json > defaults
func LoadSettings(baseDir string) (*config.AppConfig, error) {
	settings := &RawSettings{}
	configSource := "default"
	settingPath := ""

	jsonPath := filepath.Join(baseDir, "setting.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
		}
		configSource = "json"
		settingPath = jsonPath
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", jsonPath, err)
	}

	// A setting.json that omits home still belongs to baseDir
	if settings.Home == nil && baseDir != "" {
		settings.Home = &baseDir
	}

	applyDefaults(settings)

	if err := validateSettings(settings); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", jsonPath, err)
	}

	return buildAppConfig(settings, configSource, settingPath), nil
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(settings *RawSettings) {
	def := config.Default()

	if settings.Home == nil {
		v := def.Home()
		settings.Home = &v
	}

	if settings.StateFile == nil {
		v := def.StateFile()
		settings.StateFile = &v
	}
	if settings.LockTimeoutSec == nil {
		v := int(def.LockTimeout().Seconds())
		settings.LockTimeoutSec = &v
	}
	if settings.LockRetryMs == nil {
		v := int(def.LockRetry().Milliseconds())
		settings.LockRetryMs = &v
	}
	if settings.UpdateAttempts == nil {
		v := def.UpdateAttempts()
		settings.UpdateAttempts = &v
	}
	if settings.TempSweepAgeSec == nil {
		v := int(def.TempSweepAge().Seconds())
		settings.TempSweepAgeSec = &v
	}
	if settings.DefaultPhase == nil {
		v := def.DefaultPhase()
		settings.DefaultPhase = &v
	}
	if settings.Actor == nil {
		v := ""
		settings.Actor = &v
	}

	if settings.ChangelogFile == nil {
		v := def.ChangelogFile()
		settings.ChangelogFile = &v
	}
	if settings.ChangelogEnabled == nil {
		v := def.ChangelogEnabled()
		settings.ChangelogEnabled = &v
	}
	if settings.ChangelogIndex == nil {
		v := false
		settings.ChangelogIndex = &v
	}

	if settings.StderrLevel == nil {
		v := def.StderrLevel()
		settings.StderrLevel = &v
	}
}

// validateSettings rejects values the store cannot operate with
func validateSettings(settings *RawSettings) error {
	if *settings.LockTimeoutSec <= 0 {
		return fmt.Errorf("lock_timeout_sec must be positive, got %d", *settings.LockTimeoutSec)
	}
	if *settings.LockRetryMs <= 0 {
		return fmt.Errorf("lock_retry_ms must be positive, got %d", *settings.LockRetryMs)
	}
	if *settings.UpdateAttempts < 1 {
		return fmt.Errorf("update_attempts must be at least 1, got %d", *settings.UpdateAttempts)
	}
	if *settings.TempSweepAgeSec < 0 {
		return fmt.Errorf("temp_sweep_age_sec must not be negative, got %d", *settings.TempSweepAgeSec)
	}
	if *settings.StateFile == "" {
		return fmt.Errorf("state_file must not be empty")
	}
	return nil
}

// buildAppConfig converts RawSettings to AppConfig
func buildAppConfig(settings *RawSettings, configSource, settingPath string) *config.AppConfig {
	return config.NewAppConfig(config.Values{
		Home:             *settings.Home,
		StateFile:        *settings.StateFile,
		LockTimeoutSec:   *settings.LockTimeoutSec,
		LockRetryMs:      *settings.LockRetryMs,
		UpdateAttempts:   *settings.UpdateAttempts,
		TempSweepAgeSec:  *settings.TempSweepAgeSec,
		DefaultPhase:     *settings.DefaultPhase,
		Actor:            *settings.Actor,
		ChangelogFile:    *settings.ChangelogFile,
		ChangelogEnabled: *settings.ChangelogEnabled,
		ChangelogIndex:   *settings.ChangelogIndex,
		StderrLevel:      *settings.StderrLevel,
		ConfigSource:     configSource,
		SettingPath:      settingPath,
	})
}

// CreateDefaultSettings creates a default setting.json content. home is
// left out so the file follows the directory it is written to.
func CreateDefaultSettings() []byte {
	settings := &RawSettings{}
	applyDefaults(settings)
	settings.Home = nil

	data, _ := json.MarshalIndent(settings, "", "  ")
	return data
}
