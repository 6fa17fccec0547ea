package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "ws://localhost:9000/bridge", cfg.Authority.URL)
	assert.True(t, cfg.Authority.Enabled)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 1<<20, cfg.Bridge.MaxPayloadBytes)
	assert.Equal(t, 64<<10, cfg.Bridge.MaxEventBytes)
	assert.Equal(t, 1024, cfg.Bridge.QueueCapacity)
	assert.False(t, cfg.Bridge.LogRequests)
}

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromTOML(t *testing.T) {
	path := writeTOML(t, `
[server]
port = "9999"

[bridge]
request_timeout_ms = 5000
log_requests = true

[authority]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.True(t, cfg.Bridge.LogRequests)
	assert.False(t, cfg.Authority.Enabled)
	// Untouched values keep their defaults.
	assert.Equal(t, 1<<20, cfg.Bridge.MaxPayloadBytes)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeTOML(t, `
[server]
port = "9999"
`)
	t.Setenv("PORT", "7777")
	t.Setenv("BRIDGE_MAX_EVENT_BYTES", "1024")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Bridge.MaxEventBytes)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/bridge.toml")
	assert.Error(t, err)
	assert.NotNil(t, LoadOrDefault("/nonexistent/bridge.toml"))
}

func TestStoreServesLiveValues(t *testing.T) {
	path := writeTOML(t, `
[bridge]
request_timeout_ms = 1000
log_requests = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	store := NewStore(path, cfg)
	assert.Equal(t, time.Second, store.RequestTimeout())
	assert.False(t, store.VerboseLogging())

	require.NoError(t, os.WriteFile(path, []byte(`
[bridge]
request_timeout_ms = 2000
log_requests = true
`), 0o644))
	require.NoError(t, store.Reload())
	assert.Equal(t, 2*time.Second, store.RequestTimeout())
	assert.True(t, store.VerboseLogging())
}

func TestStoreReloadFailureKeepsValues(t *testing.T) {
	path := writeTOML(t, `
[bridge]
request_timeout_ms = 1500
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(path, cfg)

	require.NoError(t, os.Remove(path))
	assert.Error(t, store.Reload())
	assert.Equal(t, 1500*time.Millisecond, store.RequestTimeout())
}

func TestStaticSource(t *testing.T) {
	s := Static{Verbose: true, Timeout: time.Minute, MaxBytes: 10, MaxEvBytes: 5}
	assert.True(t, s.VerboseLogging())
	assert.False(t, s.EventLogging())
	assert.Equal(t, time.Minute, s.RequestTimeout())
	assert.Equal(t, 10, s.MaxPayloadSize())
	assert.Equal(t, 5, s.MaxEventSize())
}
