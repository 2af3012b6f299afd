package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /tmp/custom.db
  retention_days: 30
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Store.Path)
	assert.Equal(t, 30, cfg.Store.RetentionDays)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	// Unspecified fields keep their defaults.
	assert.Equal(t, Default().Engine.TickInterval, cfg.Engine.TickInterval)
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: /tmp/from-file.db\n"), 0o600))

	t.Setenv("CHILDGUARD_STORE_PATH", "/tmp/from-env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Store.Path)
}

func TestValidateRejectsBadLoggingFormat(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTickInterval(t *testing.T) {
	cfg := Default()
	cfg.Engine.TickInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsWeakKDFMemory(t *testing.T) {
	cfg := Default()
	cfg.Store.KDFMemoryKiB = 1024
	assert.Error(t, cfg.Validate())
}
