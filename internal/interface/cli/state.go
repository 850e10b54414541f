package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/paracle/internal/app/changelog"
	"github.com/YoshitsuguKoike/paracle/internal/app/state"
	"github.com/YoshitsuguKoike/paracle/internal/infra/lock"
	"github.com/YoshitsuguKoike/paracle/internal/infra/persistence/codec"
	"github.com/YoshitsuguKoike/paracle/internal/validator/changes"
	"github.com/YoshitsuguKoike/paracle/internal/validator/common"
	validatorState "github.com/YoshitsuguKoike/paracle/internal/validator/state"
)

// errVerifyFailed is returned when verification finds errors
var errVerifyFailed = errors.New("state verification failed")

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read, update and check the project state",
		RunE:  func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStateSetCmd())
	cmd.AddCommand(newStateHistoryCmd())
	cmd.AddCommand(newStateVerifyCmd())
	cmd.AddCommand(newStateLockCmd())
	cmd.AddCommand(newStateWatchCmd())
	cmd.AddCommand(newStateSweepCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current state record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openState(globalConfig, "")
			if err != nil {
				return err
			}
			defer env.Close()

			rec, err := env.store.Load(cmd.Context())
			if err != nil {
				return describe(err)
			}

			var c codec.Codec = codec.YAML{}
			if asJSON {
				c = codec.JSON{}
			}
			out, err := state.Encode(c, rec)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// setOptions holds the flags of state set
type setOptions struct {
	phase    string
	progress float64
	meta     []string
	unset    []string
	force    bool
	actor    string
}

func newStateSetCmd() *cobra.Command {
	opts := &setOptions{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update phase, progress or metadata",
		Long: `Update the state record. The change is applied to the latest revision
and retried if another process saves first. With --force the record is
written without conflict checking (last writer wins).

Metadata values are parsed as YAML scalars: --meta count=3 stores a number,
--meta done=true a boolean and --meta owner=kim a string.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateSet(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.phase, "phase", "", "New phase")
	cmd.Flags().Float64Var(&opts.progress, "progress", 0, "New progress percentage (0-100)")
	cmd.Flags().StringArrayVar(&opts.meta, "meta", nil, "Set metadata key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.unset, "unset", nil, "Remove a metadata key (repeatable)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite without conflict checking")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "Actor recorded in the change log")
	return cmd
}

func runStateSet(cmd *cobra.Command, opts *setOptions) error {
	setProgress := cmd.Flags().Changed("progress")
	if opts.phase == "" && !setProgress && len(opts.meta) == 0 && len(opts.unset) == 0 {
		return errors.New("nothing to set: use --phase, --progress, --meta or --unset")
	}

	meta, err := parseMetaFlags(opts.meta)
	if err != nil {
		return err
	}

	apply := func(r *state.Record) error {
		if opts.phase != "" {
			if err := r.SetPhase(opts.phase); err != nil {
				return err
			}
		}
		if setProgress {
			if err := r.SetProgress(opts.progress); err != nil {
				return err
			}
		}
		for _, kv := range meta {
			if err := r.SetMeta(kv.key, kv.value); err != nil {
				return err
			}
		}
		for _, key := range opts.unset {
			r.DeleteMeta(key)
		}
		return nil
	}

	env, err := openState(globalConfig, opts.actor)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	var rev int
	if opts.force {
		rec, err := env.store.Load(ctx)
		if err != nil {
			return describe(err)
		}
		if err := apply(rec); err != nil {
			return err
		}
		if rev, err = env.store.Save(ctx, rec, state.WithoutConflictCheck()); err != nil {
			return describe(err)
		}
	} else {
		rec, err := env.store.Update(ctx, apply)
		if err != nil {
			return describe(err)
		}
		rev = rec.Revision()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "saved revision %d\n", rev)
	return nil
}

type metaValue struct {
	key   string
	value any
}

// parseMetaFlags splits key=value pairs and types the values
func parseMetaFlags(pairs []string) ([]metaValue, error) {
	out := make([]metaValue, 0, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", pair)
		}
		out = append(out, metaValue{key: key, value: parseScalar(raw)})
	}
	return out, nil
}

func parseScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

// historyOptions holds the flags of state history
type historyOptions struct {
	limit    int
	field    string
	since    int
	asJSON   bool
	useIndex bool
}

func newStateHistoryCmd() *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateHistory(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Show at most this many entries (0 for all)")
	cmd.Flags().StringVar(&opts.field, "field", "", "Only entries for this field (e.g. phase, metadata.owner)")
	cmd.Flags().IntVar(&opts.since, "since", 0, "Only entries at or after this revision")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print entries as JSON lines")
	cmd.Flags().BoolVar(&opts.useIndex, "index", false, "Query the SQLite change index instead of the log file")
	return cmd
}

func runStateHistory(cmd *cobra.Command, opts *historyOptions) error {
	env, err := openState(globalConfig, "")
	if err != nil {
		return err
	}
	defer env.Close()

	q := changelog.Query{Field: opts.field, SinceRevision: opts.since, Limit: opts.limit}

	var entries []changelog.Entry
	if opts.useIndex {
		if env.index == nil {
			return errors.New("change index is disabled (set changelog_index in setting.json)")
		}
		if entries, err = env.index.List(cmd.Context(), q); err != nil {
			return err
		}
	} else {
		var skipped int
		entries, skipped, err = changelog.ReadEntries(afero.NewOsFs(), env.paths.Changes, q)
		if err != nil {
			return err
		}
		if skipped > 0 {
			Warn("%d unreadable line(s) in %s", skipped, env.paths.Changes)
		}
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "no changes recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "r%-4d %s  %-16s %s: %s -> %s\n",
			e.Revision, e.TS, e.Actor, e.Field, formatValue(e.Old), formatValue(e.New))
	}
	return nil
}

func formatValue(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func newStateVerifyCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the state file and change log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateVerify(cmd, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Output format (json for CI integration)")
	return cmd
}

// verifyReport combines the state file and change log results
type verifyReport struct {
	State   *common.ValidationResult  `json:"state"`
	Changes *changes.ValidationResult `json:"changes,omitempty"`
}

func runStateVerify(cmd *cobra.Command, format string) error {
	paths := resolvePaths(globalConfig)
	fs := afero.NewOsFs()

	report := verifyReport{}
	result, err := validatorState.ValidateStateFile(fs, paths.State)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	report.State = result

	if f, err := fs.Open(paths.Changes); err == nil {
		report.Changes, err = changes.NewValidator(paths.Changes).ValidateFile(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("validation error: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("open change log: %w", err)
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printVerifyTextResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), report)
	}

	if report.State.Summary.Error > 0 || (report.Changes != nil && report.Changes.Summary.Error > 0) {
		return errVerifyFailed
	}
	return nil
}

func printVerifyTextResult(stdout, stderr io.Writer, report verifyReport) {
	for _, fileResult := range report.State.Files {
		name := filepath.Base(fileResult.File)
		if len(fileResult.Issues) == 0 {
			fmt.Fprintf(stdout, "OK: %s valid\n", name)
			continue
		}
		for _, issue := range fileResult.Issues {
			printIssue(stdout, stderr, name, issue)
		}
	}

	if report.Changes != nil {
		name := filepath.Base(report.Changes.File)
		for _, line := range report.Changes.Lines {
			for _, issue := range line.Issues {
				printIssue(stdout, stderr, fmt.Sprintf("%s:%d", name, line.Line), issue)
			}
		}
		fmt.Fprintf(stdout, "CHANGES: lines=%d ok=%d warn=%d error=%d\n",
			report.Changes.Summary.Lines, report.Changes.Summary.OK, report.Changes.Summary.Warn, report.Changes.Summary.Error)
	}

	fmt.Fprintf(stdout, "SUMMARY: files=%d ok=%d warn=%d error=%d\n",
		report.State.Summary.Files, report.State.Summary.OK, report.State.Summary.Warn, report.State.Summary.Error)
}

func printIssue(stdout, stderr io.Writer, where string, issue common.ValidationIssue) {
	if issue.Field != "" {
		where += " " + issue.Field + ":"
	}
	switch issue.Type {
	case common.SeverityError:
		fmt.Fprintf(stderr, "ERROR: %s %s\n", where, issue.Message)
	case common.SeverityWarn:
		fmt.Fprintf(stdout, "WARN: %s %s\n", where, issue.Message)
	default:
		fmt.Fprintf(stdout, "OK: %s %s\n", where, issue.Message)
	}
}

func newStateLockCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Show who holds the state lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolvePaths(globalConfig)
			st, err := lock.Inspect(paths.StateLock)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Fprintf(out, "lock: %s\n", st.Path)
			switch {
			case !st.Exists:
				fmt.Fprintln(out, "status: never locked")
				return nil
			case st.Locked:
				fmt.Fprintln(out, "status: held")
			default:
				fmt.Fprintln(out, "status: free")
			}
			if h := st.Holder; h != nil {
				liveness := "exited"
				if st.HolderAlive {
					liveness = "running"
				}
				fmt.Fprintf(out, "last holder: pid=%d host=%s since=%s (%s)\n", h.PID, h.Hostname, h.AcquiredAt, liveness)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newStateWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the state each time a new revision is saved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openState(globalConfig, "")
			if err != nil {
				return err
			}
			defer env.Close()

			if err := os.MkdirAll(filepath.Dir(env.store.Path()), 0o755); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := state.NewWatcher(env.store)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				w.Stop()
				return err
			}
			defer w.Stop()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case rec := <-w.Updates:
					if rec == nil {
						return nil
					}
					fmt.Fprintf(out, "r%d phase=%s progress=%g updated_at=%s\n",
						rec.Revision(), rec.Phase(), rec.Progress(), formatTime(rec))
				case err := <-w.Errors:
					if err != nil {
						Warn("%s", state.UserMessage(err))
					}
				}
			}
		},
	}
}

func formatTime(rec *state.Record) string {
	if rec.UpdatedAt().IsZero() {
		return "-"
	}
	return rec.UpdatedAt().Format("2006-01-02T15:04:05.000Z07:00")
}

func newStateSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove temp files left by interrupted saves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openState(globalConfig, "")
			if err != nil {
				return err
			}
			defer env.Close()

			removed, err := env.store.Sweep()
			for _, p := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stale temp files")
			}
			return nil
		},
	}
}
