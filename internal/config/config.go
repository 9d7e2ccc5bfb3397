// ABOUTME: Configuration loading and parsing for fleetlink agent and coordinator.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the complete agent-side configuration.
type AgentConfig struct {
	Servers  ServersConfig  `yaml:"servers"`
	Polling  PollingConfig  `yaml:"polling"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Limits   LimitsConfig   `yaml:"limits"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServersConfig lists the coordinator endpoints and proxies to probe.
type ServersConfig struct {
	// BaseURLs are tried in order against every proxy combination.
	BaseURLs []string `yaml:"base_urls"`
	// Proxies is the configured proxy list, tried after a direct
	// connection and any platform-discovered proxies.
	Proxies []string `yaml:"proxies"`
	// CertPath is the pinned coordinator certificate used to validate
	// probed endpoints. Fetched once via the bootstrap resource.
	CertPath string `yaml:"cert_path"`
}

// PollingConfig controls the adaptive polling cadence.
type PollingConfig struct {
	MinInterval   time.Duration `yaml:"-"`
	MaxInterval   time.Duration `yaml:"-"`
	ErrorInterval time.Duration `yaml:"-"`
	// Slew is the multiplicative growth factor applied per idle cycle.
	Slew float64 `yaml:"slew"`

	MinIntervalRaw   string `yaml:"min_interval"`
	MaxIntervalRaw   string `yaml:"max_interval"`
	ErrorIntervalRaw string `yaml:"error_interval"`
}

// MailboxConfig bounds the in/out mailboxes.
type MailboxConfig struct {
	OutBytes int64 `yaml:"out_bytes"`
	InBytes  int64 `yaml:"in_bytes"`
	// MaxPolls is how many one-second capacity checks a blocking Put
	// performs before giving up.
	MaxPolls int `yaml:"max_polls"`
	// DrainBytes is the per-cycle outbound byte budget.
	DrainBytes int64 `yaml:"drain_bytes"`
}

// LimitsConfig holds self-preservation and retry limits.
type LimitsConfig struct {
	// MemoryCeiling in bytes; above it the agent declares itself full
	// and, with no outstanding work, exits for the watchdog to restart.
	MemoryCeiling uint64 `yaml:"memory_ceiling"`
	// ConnectionErrorLimit is how many consecutive transport errors
	// force the cached server URL to be dropped and re-probed.
	ConnectionErrorLimit int `yaml:"connection_error_limit"`
	// MaxProbeFailures is how many consecutive full probe sweeps may
	// fail before the process gives up and exits.
	MaxProbeFailures int `yaml:"max_probe_failures"`

	EnrollCooldown    time.Duration `yaml:"-"`
	EnrollCooldownRaw string        `yaml:"enroll_cooldown"`
}

// IdentityConfig locates the agent's private key material.
type IdentityConfig struct {
	KeyPath string `yaml:"key_path"`
	// StatePath is the SQLite transaction log used to replay work that
	// was interrupted by an abnormal exit.
	StatePath string `yaml:"state_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CoordinatorConfig is the complete coordinator-side configuration.
type CoordinatorConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the coordinator listen address and key material.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	KeyPath  string `yaml:"key_path"`
	CertPath string `yaml:"cert_path"`
}

// DatabaseConfig holds the durable store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig controls leases, sharding and notification expiry.
type QueueConfig struct {
	LeaseDuration time.Duration `yaml:"-"`
	NotifyExpiry  time.Duration `yaml:"-"`
	ShardCount    int           `yaml:"shard_count"`
	// LeaseLimit caps tasks handed out per QueryAndOwn call.
	LeaseLimit int `yaml:"lease_limit"`
	// ResponseBudget caps bytes returned per completed-response page.
	ResponseBudget int `yaml:"response_budget"`

	LeaseDurationRaw string `yaml:"lease_duration"`
	NotifyExpiryRaw  string `yaml:"notify_expiry"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := parseAgentDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if len(cfg.Servers.BaseURLs) == 0 {
		return nil, fmt.Errorf("servers.base_urls is required")
	}
	return &cfg, nil
}

// LoadCoordinator reads and validates a coordinator configuration file.
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := parseCoordinatorDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Server.HTTPAddr == "" {
		return nil, fmt.Errorf("server.http_addr is required")
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("database.path is required")
	}
	return &cfg, nil
}

// load reads path, expands env vars and unmarshals into out.
func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills agent settings that may be omitted from the file.
func (c *AgentConfig) applyDefaults() {
	if c.Polling.MinInterval == 0 {
		c.Polling.MinInterval = 200 * time.Millisecond
	}
	if c.Polling.MaxInterval == 0 {
		c.Polling.MaxInterval = 10 * time.Minute
	}
	if c.Polling.ErrorInterval == 0 {
		c.Polling.ErrorInterval = time.Minute
	}
	if c.Polling.Slew == 0 {
		c.Polling.Slew = 1.5
	}
	if c.Mailbox.OutBytes == 0 {
		c.Mailbox.OutBytes = 8 << 20
	}
	if c.Mailbox.InBytes == 0 {
		c.Mailbox.InBytes = 8 << 20
	}
	if c.Mailbox.MaxPolls == 0 {
		c.Mailbox.MaxPolls = 120
	}
	if c.Mailbox.DrainBytes == 0 {
		c.Mailbox.DrainBytes = 1 << 20
	}
	if c.Limits.MemoryCeiling == 0 {
		c.Limits.MemoryCeiling = 512 << 20
	}
	if c.Limits.ConnectionErrorLimit == 0 {
		c.Limits.ConnectionErrorLimit = 5
	}
	if c.Limits.MaxProbeFailures == 0 {
		c.Limits.MaxProbeFailures = 10
	}
	if c.Limits.EnrollCooldown == 0 {
		c.Limits.EnrollCooldown = 10 * time.Minute
	}
}

// applyDefaults fills coordinator settings that may be omitted.
func (c *CoordinatorConfig) applyDefaults() {
	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = 5 * time.Minute
	}
	if c.Queue.NotifyExpiry == 0 {
		c.Queue.NotifyExpiry = time.Hour
	}
	if c.Queue.ShardCount == 0 {
		c.Queue.ShardCount = 8
	}
	if c.Queue.LeaseLimit == 0 {
		c.Queue.LeaseLimit = 50
	}
	if c.Queue.ResponseBudget == 0 {
		c.Queue.ResponseBudget = 4 << 20
	}
}

// parseAgentDurations converts raw duration strings into time.Duration.
func parseAgentDurations(cfg *AgentConfig) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Polling.MinIntervalRaw, &cfg.Polling.MinInterval, "polling.min_interval"},
		{cfg.Polling.MaxIntervalRaw, &cfg.Polling.MaxInterval, "polling.max_interval"},
		{cfg.Polling.ErrorIntervalRaw, &cfg.Polling.ErrorInterval, "polling.error_interval"},
		{cfg.Limits.EnrollCooldownRaw, &cfg.Limits.EnrollCooldown, "limits.enroll_cooldown"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// parseCoordinatorDurations converts raw duration strings into time.Duration.
func parseCoordinatorDurations(cfg *CoordinatorConfig) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Queue.LeaseDurationRaw, &cfg.Queue.LeaseDuration, "queue.lease_duration"},
		{cfg.Queue.NotifyExpiryRaw, &cfg.Queue.NotifyExpiry, "queue.notify_expiry"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
