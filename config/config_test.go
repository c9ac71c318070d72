package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toodle.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Store.ObserverTimeout.Duration)
}

func TestFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
[store]
uri = "file:///var/lib/toodle"
observer_timeout = "250ms"

[log]
level = "debug"

[sync]
user = "4d9f6a8e-43c5-4c36-9a55-6b1f1c1b8e11"
remote = "sqlite:///srv/shared.db"
`)
	t.Setenv("TOODLE_SYNC_REMOTE", "peer:///srv/other")
	t.Setenv("TOODLE_METRICS_ADDR", ":9090")
	t.Setenv("TOODLE_STORE_CACHE_SIZE", "128")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:///var/lib/toodle", cfg.Store.URI)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.ObserverTimeout.Duration)
	assert.Equal(t, 128, cfg.Store.CacheSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "peer:///srv/other", cfg.Sync.Remote)
	assert.Equal(t, "4d9f6a8e-43c5-4c36-9a55-6b1f1c1b8e11", cfg.Sync.User)
	assert.Equal(t, uint(5), cfg.Sync.RetryAttempts)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[store\nuri ="))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, "[store]\nobserver_timeout = \"soon\""))
	assert.Error(t, err)

	t.Setenv("TOODLE_LOG_LEVEL", "chatty")
	t.Setenv("TOODLE_LOG_FORMAT", "xml")
	_, err = Load("")
	assert.ErrorContains(t, err, "log level")
	assert.ErrorContains(t, err, "log format")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Level: "warn", Format: "json"}.Logger(&buf)
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
