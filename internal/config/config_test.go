package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.False(t, cfg.ReconnectBackoff)
	assert.Equal(t, 50*time.Millisecond, cfg.ChunkThrottle)
	assert.Equal(t, "ws://localhost:8422/ws/events", cfg.EventsURL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SYNC_RECONNECT_DELAY", "5s")
	t.Setenv("SYNC_SERVER_URL", "http://backlog.local:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "http://backlog.local:9000", cfg.ServerURL)
}

func TestLoadFile_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	content := "log_level: debug\nreconnect_backoff: true\nmax_reconnect_delay: 1m\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.ReconnectBackoff)
	assert.Equal(t, time.Minute, cfg.MaxReconnectDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate_Rejects(t *testing.T) {
	cfg := &Config{ReconnectDelay: 0}
	assert.Error(t, cfg.Validate())

	cfg = &Config{ReconnectDelay: 2 * time.Second, ChunkThrottle: -time.Millisecond}
	assert.Error(t, cfg.Validate())

	cfg = &Config{
		ReconnectDelay:    2 * time.Second,
		ReconnectBackoff:  true,
		MaxReconnectDelay: time.Second,
	}
	assert.Error(t, cfg.Validate())
}
