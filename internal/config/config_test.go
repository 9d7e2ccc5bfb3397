// ABOUTME: Tests for configuration loading, env expansion, durations and defaults.
// ABOUTME: Uses temp-dir YAML files the way the binaries would read them.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAgent(t *testing.T) {
	path := writeConfig(t, `
servers:
  base_urls:
    - https://c1.example.com
    - https://c2.example.com
  proxies:
    - http://proxy.example.com:3128
  cert_path: /etc/fleetlink/server.pem
polling:
  min_interval: 500ms
  max_interval: 5m
  error_interval: 30s
  slew: 2.0
mailbox:
  out_bytes: 1048576
limits:
  enroll_cooldown: 15m
identity:
  key_path: /var/lib/fleetlink/agent.key
  state_path: /var/lib/fleetlink/journal.db
logging:
  level: debug
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://c1.example.com", "https://c2.example.com"}, cfg.Servers.BaseURLs)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.MinInterval)
	assert.Equal(t, 5*time.Minute, cfg.Polling.MaxInterval)
	assert.Equal(t, 30*time.Second, cfg.Polling.ErrorInterval)
	assert.Equal(t, 2.0, cfg.Polling.Slew)
	assert.Equal(t, int64(1048576), cfg.Mailbox.OutBytes)
	assert.Equal(t, 15*time.Minute, cfg.Limits.EnrollCooldown)
	assert.Equal(t, "/var/lib/fleetlink/agent.key", cfg.Identity.KeyPath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Omitted settings get defaults.
	assert.Equal(t, int64(8<<20), cfg.Mailbox.InBytes)
	assert.Equal(t, 120, cfg.Mailbox.MaxPolls)
	assert.Equal(t, uint64(512<<20), cfg.Limits.MemoryCeiling)
}

func TestLoadAgent_RequiresBaseURLs(t *testing.T) {
	path := writeConfig(t, `
polling:
  slew: 1.5
`)
	_, err := LoadAgent(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_urls")
}

func TestLoadAgent_BadDuration(t *testing.T) {
	path := writeConfig(t, `
servers:
  base_urls: [https://c.example.com]
polling:
  min_interval: soon
`)
	_, err := LoadAgent(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_interval")
}

func TestLoadAgent_EnvExpansion(t *testing.T) {
	t.Setenv("FLEETLINK_TEST_URL", "https://env.example.com")
	path := writeConfig(t, `
servers:
  base_urls: ["${FLEETLINK_TEST_URL}"]
`)
	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://env.example.com"}, cfg.Servers.BaseURLs)
}

func TestLoadCoordinator(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8443"
  key_path: /etc/fleetlink/coordinator.key
database:
  path: /var/lib/fleetlink/store.db
queue:
  lease_duration: 2m
  notify_expiry: 30m
  shard_count: 4
metrics:
  enabled: true
  addr: ":9090"
`)

	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.Server.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 30*time.Minute, cfg.Queue.NotifyExpiry)
	assert.Equal(t, 4, cfg.Queue.ShardCount)
	assert.True(t, cfg.Metrics.Enabled)

	// Defaults for omitted queue settings.
	assert.Equal(t, 50, cfg.Queue.LeaseLimit)
	assert.Equal(t, 4<<20, cfg.Queue.ResponseBudget)
}

func TestLoadCoordinator_RequiredFields(t *testing.T) {
	_, err := LoadCoordinator(writeConfig(t, `database: {path: /tmp/x.db}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_addr")

	_, err = LoadCoordinator(writeConfig(t, `server: {http_addr: ":8443"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadAgent(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
