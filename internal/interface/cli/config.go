package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/paracle/internal/buildinfo"
	infraConfig "github.com/YoshitsuguKoike/paracle/internal/infra/config"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/file"
)

// EffectiveConfig is the configuration in use after setting.json and
// defaults are merged
type EffectiveConfig struct {
	Meta      EffectiveConfigMeta      `json:"meta" yaml:"meta"`
	Paths     EffectiveConfigPaths     `json:"paths" yaml:"paths"`
	State     EffectiveConfigState     `json:"state" yaml:"state"`
	Changelog EffectiveConfigChangelog `json:"changelog" yaml:"changelog"`
	Logging   EffectiveConfigLogging   `json:"logging" yaml:"logging"`
}

// EffectiveConfigMeta says where the configuration came from
type EffectiveConfigMeta struct {
	Source      string `json:"source" yaml:"source"`
	SettingPath string `json:"setting_path" yaml:"setting_path"`
	Version     string `json:"version" yaml:"version"`
	TsUTC       string `json:"ts_utc" yaml:"ts_utc"`
}

// EffectiveConfigPaths lists the resolved files
type EffectiveConfigPaths struct {
	Home         string `json:"home" yaml:"home"`
	State        string `json:"state" yaml:"state"`
	Lock         string `json:"lock" yaml:"lock"`
	Changes      string `json:"changes" yaml:"changes"`
	ChangesIndex string `json:"changes_index" yaml:"changes_index"`
}

// EffectiveConfigState holds the store settings
type EffectiveConfigState struct {
	LockTimeout    string `json:"lock_timeout" yaml:"lock_timeout"`
	LockRetry      string `json:"lock_retry" yaml:"lock_retry"`
	UpdateAttempts int    `json:"update_attempts" yaml:"update_attempts"`
	TempSweepAge   string `json:"temp_sweep_age" yaml:"temp_sweep_age"`
	DefaultPhase   string `json:"default_phase" yaml:"default_phase"`
	Actor          string `json:"actor" yaml:"actor"`
}

// EffectiveConfigChangelog holds the change log settings
type EffectiveConfigChangelog struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Index   bool `json:"index" yaml:"index"`
}

// EffectiveConfigLogging holds the logging settings
type EffectiveConfigLogging struct {
	StderrLevel string `json:"stderr_level" yaml:"stderr_level"`
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration or create setting.json",
		RunE:  func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := renderEffectiveConfig(buildEffectiveConfig(), format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml or json)")
	return cmd
}

func buildEffectiveConfig() EffectiveConfig {
	cfg := globalConfig
	paths := resolvePaths(cfg)

	actor := cfg.Actor()
	if actor == "" {
		actor = "(process name and pid)"
	}
	settingPath := cfg.SettingPath()
	if settingPath == "" {
		settingPath = "(none)"
	}

	return EffectiveConfig{
		Meta: EffectiveConfigMeta{
			Source:      cfg.ConfigSource(),
			SettingPath: settingPath,
			Version:     buildinfo.GetVersion(),
			TsUTC:       time.Now().UTC().Format(time.RFC3339Nano),
		},
		Paths: EffectiveConfigPaths{
			Home:         paths.Home,
			State:        paths.State,
			Lock:         paths.StateLock,
			Changes:      paths.Changes,
			ChangesIndex: paths.ChangesIndex,
		},
		State: EffectiveConfigState{
			LockTimeout:    cfg.LockTimeout().String(),
			LockRetry:      cfg.LockRetry().String(),
			UpdateAttempts: cfg.UpdateAttempts(),
			TempSweepAge:   cfg.TempSweepAge().String(),
			DefaultPhase:   cfg.DefaultPhase(),
			Actor:          actor,
		},
		Changelog: EffectiveConfigChangelog{
			Enabled: cfg.ChangelogEnabled(),
			Index:   cfg.ChangelogIndex(),
		},
		Logging: EffectiveConfigLogging{
			StderrLevel: cfg.StderrLevel(),
		},
	}
}

func renderEffectiveConfig(ec EffectiveConfig, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(ec, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml", "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(ec); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (use yaml or json)", format)
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write setting.json with the default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolvePaths(globalConfig).Setting
			fs := afero.NewOsFs()

			if _, err := fs.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !os.IsNotExist(err) {
				return err
			}

			data := append(infraConfig.CreateDefaultSettings(), '\n')
			if err := file.WriteFileAtomic(fs, path, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing setting.json")
	return cmd
}
