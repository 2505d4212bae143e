package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// an empty directory means pure defaults
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Orchestrator.HeartbeatInterval)
	assert.Equal(t, 30, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 5, cfg.Orchestrator.ReconnectMaxRetries)
	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, "/var/lib/outpost", cfg.Agent.DataDir)
	assert.False(t, cfg.Agent.AutoConnect)
	assert.Equal(t, 10, cfg.Agent.CancelGracePeriod)
	assert.Equal(t, "", cfg.Events.NATSURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
  "orchestrator": {"url": "http://orch.example", "heartbeatInterval": 120, "pollInterval": 15},
  "server": {"port": 19999},
  "agent": {"autoConnect": true}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://orch.example", cfg.Orchestrator.URL)
	assert.Equal(t, 120, cfg.Orchestrator.HeartbeatInterval)
	assert.Equal(t, 15, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 19999, cfg.Server.Port)
	assert.True(t, cfg.Agent.AutoConnect)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("OUTPOST_ORCHESTRATOR_URL", "http://from-env.example")
	t.Setenv("OUTPOST_SERVER_PORT", "17070")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "http://from-env.example", cfg.Orchestrator.URL)
	assert.Equal(t, 17070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"heartbeat not positive", func(c *Config) { c.Orchestrator.HeartbeatInterval = 0 }},
		{"poll not positive", func(c *Config) { c.Orchestrator.PollInterval = 0 }},
		{"poll exceeds heartbeat", func(c *Config) {
			c.Orchestrator.PollInterval = 600
			c.Orchestrator.HeartbeatInterval = 300
		}},
		{"negative grace period", func(c *Config) { c.Agent.CancelGracePeriod = -1 }},
		{"output buffer not positive", func(c *Config) { c.Agent.OutputBufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := OrchestratorConfig{HeartbeatInterval: 300, PollInterval: 30, ReconnectBaseDelay: 2, RequestTimeout: 10}

	assert.Equal(t, 5*time.Minute, cfg.HeartbeatIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.PollIntervalDuration())
	assert.Equal(t, 2*time.Second, cfg.ReconnectBaseDelayDuration())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeoutDuration())
}

func TestStoreSaveWritesReadableJSON(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Orchestrator.URL = "http://saved.example"

	store := NewStore(dir)
	require.NoError(t, store.Save(cfg))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "http://saved.example", onDisk.Orchestrator.URL)
	assert.Equal(t, cfg.Server.Port, onDisk.Server.Port)
}

func TestStoreSaveRoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Orchestrator.BackendURL = "http://backend.example"
	cfg.Agent.AutoConnect = true

	require.NoError(t, NewStore(dir).Save(cfg))

	reloaded, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://backend.example", reloaded.Orchestrator.BackendURL)
	assert.True(t, reloaded.Agent.AutoConnect)
}
