package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigShow(t *testing.T) {
	home := setupHome(t, `{"update_attempts": 9, "changelog_index": true}`)

	out, _, err := runCLI(t, "config", "show", "--format", "json")
	require.NoError(t, err)

	var ec EffectiveConfig
	require.NoError(t, json.Unmarshal([]byte(out), &ec))
	assert.Equal(t, "json", ec.Meta.Source)
	assert.Equal(t, filepath.Join(home, "setting.json"), ec.Meta.SettingPath)
	assert.Equal(t, home, ec.Paths.Home)
	assert.Equal(t, filepath.Join(home, "var", "current_state.yaml"), ec.Paths.State)
	assert.Equal(t, 9, ec.State.UpdateAttempts)
	assert.Equal(t, "10s", ec.State.LockTimeout)
	assert.True(t, ec.Changelog.Index)

	out, _, err = runCLI(t, "config", "show")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "changelog")

	_, _, err = runCLI(t, "config", "show", "--format", "xml")
	assert.Error(t, err)
}

func TestConfigShowWithoutSettingFile(t *testing.T) {
	setupHome(t, "")

	out, _, err := runCLI(t, "config", "show", "--format", "json")
	require.NoError(t, err)
	var ec EffectiveConfig
	require.NoError(t, json.Unmarshal([]byte(out), &ec))
	assert.Equal(t, "default", ec.Meta.Source)
	assert.Equal(t, "(none)", ec.Meta.SettingPath)
}

func TestConfigInit(t *testing.T) {
	home := setupHome(t, "")
	path := filepath.Join(home, "setting.json")

	out, _, err := runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Equal(t, "wrote "+path+"\n", out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "home")
	assert.Equal(t, "current_state.yaml", raw["state_file"])

	_, _, err = runCLI(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = runCLI(t, "config", "init", "--force")
	require.NoError(t, err)

	// the written file loads and keeps the home it lives in
	out, _, err = runCLI(t, "config", "show", "--format", "json")
	require.NoError(t, err)
	var ec EffectiveConfig
	require.NoError(t, json.Unmarshal([]byte(out), &ec))
	assert.Equal(t, "json", ec.Meta.Source)
	assert.Equal(t, home, ec.Paths.Home)
}

func TestDebugReportsConfigSource(t *testing.T) {
	setupHome(t, "")

	_, stderr, err := runCLI(t, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stderr, "DEBUG: config source default")
}
