package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 3030, cfg.Web.Port)
	assert.Equal(t, "nix-eval-jobs", cfg.Eval.Command)
}

func TestLoadOverridesDefaultsFromTomlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ekaci.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[web]
port = 9090

[build]
max_retries = 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, 7, cfg.Build.MaxRetries)
	assert.Equal(t, "127.0.0.1", cfg.Web.Address, "unset fields keep their default")
}

func TestLoadEnvOverridesBeatTomlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ekaci.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[web]
port = 9090
`), 0o644))

	t.Setenv("EKA_CI_WEB__PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Web.Port, "environment overrides the file layer")
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ekaci.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "verbose"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestRequiresRestartDetectsListenerChanges(t *testing.T) {
	a := Defaults()
	b := Defaults()
	assert.False(t, RequiresRestart(a, b))

	b.Web.Port = a.Web.Port + 1
	assert.True(t, RequiresRestart(a, b))

	b = Defaults()
	b.Build.MaxRetries = a.Build.MaxRetries + 1
	assert.False(t, RequiresRestart(a, b), "non-listener fields are safe to hot-reload")
}
