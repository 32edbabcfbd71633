// ABOUTME: Configuration loading and parsing for relay-hub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultAddr                 = "0.0.0.0:9090"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultCleanupInterval      = 60 * time.Second
	DefaultReconnectGracePeriod = 5 * time.Minute
	DefaultOutboundBuffer       = 256
	DefaultSignalingPath        = "/signal"
	DefaultTrackingPath         = "/track"
	DefaultMetricsPath          = "/metrics"
)

// Config represents the complete relay-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Relays    RelaysConfig    `yaml:"relays" toml:"relays"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the listening address and optional TLS material
type ServerConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	// AllowedOrigins restricts browser WebSocket origins; empty allows any
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ErrNoTLS is returned by CheckTLSFiles when no certificate pair is configured.
var ErrNoTLS = errors.New("no certificate pair configured")

// CheckTLSFiles returns nil when the certificate pair is configured and both
// files exist. The server serves plain HTTP otherwise.
func (s ServerConfig) CheckTLSFiles() error {
	if s.CertFile == "" || s.KeyFile == "" {
		return ErrNoTLS
	}
	for _, f := range []string{s.CertFile, s.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("certificate file %s: %w", f, err)
		}
	}
	return nil
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds the order store location. Empty keeps orders in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelaysConfig holds timing shared by both relays and their endpoints
type RelaysConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	CleanupInterval      time.Duration `yaml:"-" toml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	CleanupIntervalRaw      string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`

	// OutboundBuffer is the per-connection send queue length
	OutboundBuffer int `yaml:"outbound_buffer" toml:"outbound_buffer"`

	Signaling RelayConfig `yaml:"signaling" toml:"signaling"`
	Tracking  RelayConfig `yaml:"tracking" toml:"tracking"`
}

// RelayConfig enables one relay and places it on the HTTP server.
type RelayConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
	// Addr optionally gives the relay a listener of its own, serving it on every path
	Addr string `yaml:"addr" toml:"addr"`
}

// On reports whether the relay is enabled. Relays are on unless disabled explicitly.
func (r RelayConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" && !c.Tailscale.Enabled {
		c.Server.Addr = DefaultAddr
	}
	if c.Relays.HeartbeatInterval == 0 {
		c.Relays.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Relays.CleanupInterval == 0 {
		c.Relays.CleanupInterval = DefaultCleanupInterval
	}
	// A zero grace period is meaningful (requeue at once), so only the
	// absent raw value takes the default.
	if c.Relays.ReconnectGracePeriodRaw == "" {
		c.Relays.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.Relays.OutboundBuffer == 0 {
		c.Relays.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.Relays.Signaling.Path == "" {
		c.Relays.Signaling.Path = DefaultSignalingPath
	}
	if c.Relays.Tracking.Path == "" {
		c.Relays.Tracking.Path = DefaultTrackingPath
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("server.cert_file and server.key_file must be set together")
	}

	if !c.Relays.Signaling.On() && !c.Relays.Tracking.On() {
		return fmt.Errorf("at least one relay must be enabled")
	}

	if c.Relays.HeartbeatInterval < 0 || c.Relays.CleanupInterval < 0 || c.Relays.ReconnectGracePeriod < 0 {
		return fmt.Errorf("relay durations must not be negative")
	}

	if c.Relays.OutboundBuffer < 0 {
		return fmt.Errorf("relays.outbound_buffer must not be negative")
	}

	addrs := map[string]string{c.Server.Addr: "server.addr"}
	for name, relay := range map[string]RelayConfig{
		"relays.signaling.addr": c.Relays.Signaling,
		"relays.tracking.addr":  c.Relays.Tracking,
	} {
		if relay.Addr == "" || !relay.On() {
			continue
		}
		if other, ok := addrs[relay.Addr]; ok {
			return fmt.Errorf("%s conflicts with %s (%s)", name, other, relay.Addr)
		}
		addrs[relay.Addr] = name
	}

	paths := map[string]string{}
	check := func(name, path string) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
		if other, ok := paths[path]; ok {
			return fmt.Errorf("%s conflicts with %s (%s)", name, other, path)
		}
		paths[path] = name
		return nil
	}
	for _, reserved := range []string{"/health", "/health/ready"} {
		paths[reserved] = "health endpoint"
	}
	if c.Relays.Signaling.On() {
		if err := check("relays.signaling.path", c.Relays.Signaling.Path); err != nil {
			return err
		}
	}
	if c.Relays.Tracking.On() {
		if err := check("relays.tracking.path", c.Relays.Tracking.Path); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled {
		if err := check("metrics.path", c.Metrics.Path); err != nil {
			return err
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relays.HeartbeatIntervalRaw != "" {
		cfg.Relays.HeartbeatInterval, err = time.ParseDuration(cfg.Relays.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Relays.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Relays.CleanupIntervalRaw != "" {
		cfg.Relays.CleanupInterval, err = time.ParseDuration(cfg.Relays.CleanupIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing cleanup_interval %q: %w", cfg.Relays.CleanupIntervalRaw, err)
		}
	}

	if cfg.Relays.ReconnectGracePeriodRaw != "" {
		cfg.Relays.ReconnectGracePeriod, err = time.ParseDuration(cfg.Relays.ReconnectGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_grace_period %q: %w", cfg.Relays.ReconnectGracePeriodRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the config file location.
// Priority: RELAY_HUB_CONFIG env var > XDG_CONFIG_HOME/relay-hub/config.yaml > ~/.config/relay-hub/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("RELAY_HUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay-hub", "config.yaml")
}
