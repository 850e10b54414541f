package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/paracle/internal/app/config"
	infraConfig "github.com/YoshitsuguKoike/paracle/internal/infra/config"
	"github.com/YoshitsuguKoike/paracle/internal/interface/cli/version"
)

// globalConfig holds the loaded configuration for all commands
var globalConfig config.Config

// NewRoot builds the paracle command tree.
func NewRoot() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:          "paracle",
		Short:        "Paracle project state tool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Priority: setting.json > defaults
			baseDir := ".paracle"
			if home := os.Getenv("PARACLE_HOME"); home != "" {
				baseDir = home
			}

			cfg, err := infraConfig.LoadSettings(baseDir)
			if err != nil {
				// Continue with defaults if loading fails
				def := config.Default()
				cfg = config.NewAppConfig(config.Values{
					Home:             baseDir,
					StateFile:        def.StateFile(),
					LockTimeoutSec:   int(def.LockTimeout().Seconds()),
					LockRetryMs:      int(def.LockRetry().Milliseconds()),
					UpdateAttempts:   def.UpdateAttempts(),
					TempSweepAgeSec:  int(def.TempSweepAge().Seconds()),
					DefaultPhase:     def.DefaultPhase(),
					ChangelogFile:    def.ChangelogFile(),
					ChangelogEnabled: def.ChangelogEnabled(),
					StderrLevel:      def.StderrLevel(),
					ConfigSource:     "default",
				})
				defer Warn("%v (using defaults)", err)
			}
			globalConfig = cfg

			level := cfg.StderrLevel()
			if logLevel != "" {
				level = logLevel
			}
			InitGlobalLogger(level)
			GetLogger().SetOutput(cmd.ErrOrStderr())
			InitializeLoggers(GetLogger())
			Debug("config source %s (setting %q, home %s)", cfg.ConfigSource(), cfg.SettingPath(), cfg.Home())
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level on stderr (debug, info, warn, error)")

	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(version.NewCommand())
	return cmd
}
