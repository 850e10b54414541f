package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/paracle/internal/app/changelog"
	"github.com/YoshitsuguKoike/paracle/internal/app/state"
	"github.com/YoshitsuguKoike/paracle/internal/infra/lock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// setupHome points PARACLE_HOME at a fresh directory. settings, when not
// empty, is written as setting.json.
func setupHome(t *testing.T, settings string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PARACLE_HOME", home)
	if settings != "" {
		require.NoError(t, os.WriteFile(filepath.Join(home, "setting.json"), []byte(settings), 0o644))
	}
	return home
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLIContext(t, context.Background(), args...)
}

func runCLIContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	root := NewRoot()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestStateSetAndShow(t *testing.T) {
	setupHome(t, "")

	out, _, err := runCLI(t, "state", "set", "--phase", "planning", "--progress", "40",
		"--meta", "owner=kim", "--meta", "count=3", "--meta", "done=false")
	require.NoError(t, err)
	assert.Equal(t, "saved revision 1\n", out)

	out, _, err = runCLI(t, "state", "set", "--progress", "0", "--unset", "done")
	require.NoError(t, err)
	assert.Equal(t, "saved revision 2\n", out)

	out, _, err = runCLI(t, "state", "show", "--json")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 2.0, doc["revision"])
	assert.Equal(t, "planning", doc["phase"])
	assert.Equal(t, 0.0, doc["progress"])
	assert.Equal(t, map[string]any{"owner": "kim", "count": 3.0}, doc["metadata"])
	assert.NotEmpty(t, doc["updated_at"])

	out, _, err = runCLI(t, "state", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "revision: 2\n")
	assert.Contains(t, out, "phase: planning\n")
}

func TestStateShowDefaultsWithoutFile(t *testing.T) {
	home := setupHome(t, "")

	out, _, err := runCLI(t, "state", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "revision: 0\n")
	assert.Contains(t, out, "phase: init\n")

	_, err = os.Stat(filepath.Join(home, "var", "current_state.yaml"))
	assert.True(t, os.IsNotExist(err), "show does not create the state file")
}

func TestStateSetValidation(t *testing.T) {
	setupHome(t, "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "nothing to set", args: []string{"state", "set"}, wantErr: "nothing to set"},
		{name: "bad meta pair", args: []string{"state", "set", "--meta", "novalue"}, wantErr: "want key=value"},
		{name: "progress out of range", args: []string{"state", "set", "--progress", "101"}, wantErr: "progress"},
		{name: "blank phase", args: []string{"state", "set", "--phase", "  "}, wantErr: "phase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateSetForce(t *testing.T) {
	setupHome(t, "")

	_, _, err := runCLI(t, "state", "set", "--phase", "review")
	require.NoError(t, err)
	out, _, err := runCLI(t, "state", "set", "--force", "--phase", "release")
	require.NoError(t, err)
	assert.Equal(t, "saved revision 2\n", out)
}

func TestStateShowCorruptFile(t *testing.T) {
	home := setupHome(t, "")
	path := filepath.Join(home, "var", "current_state.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("phase: [unterminated\n"), 0o644))

	_, _, err := runCLI(t, "state", "show")
	require.Error(t, err)
	assert.Equal(t, "state file appears corrupted: "+path, err.Error())
	assert.ErrorIs(t, err, state.ErrCorrupt)
}

func TestStateHistory(t *testing.T) {
	setupHome(t, "")

	_, _, err := runCLI(t, "state", "set", "--phase", "planning", "--actor", "alice")
	require.NoError(t, err)
	_, _, err = runCLI(t, "state", "set", "--progress", "30", "--meta", "owner=kim", "--actor", "bob")
	require.NoError(t, err)

	out, _, err := runCLI(t, "state", "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "phase: init -> planning")
	assert.Contains(t, lines[0], "alice")
	assert.Contains(t, lines[1], "progress: 0 -> 30")
	assert.Contains(t, lines[2], "metadata.owner: - -> kim")

	out, _, err = runCLI(t, "state", "history", "--json", "--field", "progress")
	require.NoError(t, err)
	var e changelog.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &e))
	assert.Equal(t, "bob", e.Actor)
	assert.Equal(t, 2, e.Revision)
	assert.Equal(t, 30.0, e.New)

	_, _, err = runCLI(t, "state", "history", "--index")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change index is disabled")
}

func TestStateHistoryEmpty(t *testing.T) {
	setupHome(t, "")

	out, _, err := runCLI(t, "state", "history")
	require.NoError(t, err)
	assert.Equal(t, "no changes recorded\n", out)
}

func TestStateHistoryFromIndex(t *testing.T) {
	home := setupHome(t, `{"changelog_index": true}`)

	for _, p := range []string{"10", "20", "30"} {
		_, _, err := runCLI(t, "state", "set", "--progress", p)
		require.NoError(t, err)
	}
	_, err := os.Stat(filepath.Join(home, "var", "state_changes.db"))
	require.NoError(t, err)

	out, _, err := runCLI(t, "state", "history", "--index", "--json", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var last changelog.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, 3, last.Revision)
	assert.Equal(t, 30.0, last.New)
}

func TestStateVerify(t *testing.T) {
	home := setupHome(t, "")

	_, _, err := runCLI(t, "state", "set", "--phase", "planning", "--progress", "10")
	require.NoError(t, err)

	out, _, err := runCLI(t, "state", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: current_state.yaml valid")
	assert.Contains(t, out, "CHANGES: lines=2 ok=2 warn=0 error=0")
	assert.Contains(t, out, "SUMMARY: files=1 ok=1 warn=0 error=0")

	out, _, err = runCLI(t, "state", "verify", "--format", "json")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report, "state")
	assert.Contains(t, report, "changes")

	path := filepath.Join(home, "var", "current_state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("revision: -1\nphase: planning\n"), 0o644))

	_, stderr, err := runCLI(t, "state", "verify")
	require.ErrorIs(t, err, errVerifyFailed)
	assert.Contains(t, stderr, "ERROR: current_state.yaml revision:")
}

func TestStateLock(t *testing.T) {
	setupHome(t, "")

	out, _, err := runCLI(t, "state", "lock")
	require.NoError(t, err)
	assert.Contains(t, out, "status: never locked")

	_, _, err = runCLI(t, "state", "set", "--phase", "review")
	require.NoError(t, err)

	out, _, err = runCLI(t, "state", "lock", "--json")
	require.NoError(t, err)
	var st lock.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Exists)
	assert.False(t, st.Locked)
	require.NotNil(t, st.Holder)
	assert.Equal(t, os.Getpid(), st.Holder.PID)
	assert.True(t, st.HolderAlive)
}

func TestStateSweep(t *testing.T) {
	home := setupHome(t, "")
	dir := filepath.Join(home, "var")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stale := filepath.Join(dir, "current_state.yaml.tmp.01STALE")
	fresh := filepath.Join(dir, "current_state.yaml.tmp.01FRESH")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, _, err := runCLI(t, "state", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "removed "+stale+"\n", out)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)

	out, _, err = runCLI(t, "state", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "no stale temp files\n", out)
}

func TestStateWatch(t *testing.T) {
	home := setupHome(t, "")
	path := filepath.Join(home, "var", "current_state.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	saved := make(chan error, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		s, err := state.NewStore(path, state.WithLocker(lock.NewFileManager(path+".lock")))
		if err != nil {
			saved <- err
			return
		}
		_, err = s.Update(context.Background(), func(r *state.Record) error { return r.SetPhase("review") })
		saved <- err
	}()

	out, _, err := runCLIContext(t, ctx, "state", "watch")
	require.NoError(t, err)
	require.NoError(t, <-saved)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "r0 phase=init"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "r1 phase=review"), lines[1])
}

func TestBadSettingsFallBackToDefaults(t *testing.T) {
	setupHome(t, `{"lock_timeout_sec": 0}`)

	out, stderr, err := runCLI(t, "state", "set", "--phase", "planning")
	require.NoError(t, err)
	assert.Equal(t, "saved revision 1\n", out)
	assert.Contains(t, stderr, "WARN: invalid")
	assert.Contains(t, stderr, "using defaults")
}

func TestLogLevelFlag(t *testing.T) {
	setupHome(t, "")

	_, stderr, err := runCLI(t, "--log-level", "debug", "state", "show")
	require.NoError(t, err)
	assert.Contains(t, stderr, "DEBUG: state file")
}
