// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/chat-relay/config.toml",
	"configs/config.toml",
}

// reservedRoutes are the route prefixes served by the relay itself.
var reservedRoutes = []string{"/api/chat-stream", "/api/openai", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
// The upstream env names match the ones the browser client's edge runtime used.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Protocol     string `kong:"help='Default upstream protocol (overrides config).',env='PROTOCOL'"`
	BaseURL      string `kong:"help='Default upstream host or origin (overrides config).',env='BASE_URL'"`
	Organization string `kong:"help='OpenAI organization id forwarded upstream.',env='OPENAI_ORG_ID'"`
	APIKey       string `kong:"help='Fallback upstream API key when a request carries no token.',env='OPENAI_API_KEY'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig describes the default OpenAI-compatible upstream.
type UpstreamConfig struct {
	Protocol        string   `toml:"protocol"`
	BaseURL         string   `toml:"base_url"` // bare host or absolute origin
	Organization    string   `toml:"organization"`
	APIKey          string   `toml:"api_key"`
	AllowedHosts    []string `toml:"allowed_hosts"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
}

// RelayConfig tunes the streaming relay.
type RelayConfig struct {
	HeartbeatSeconds   int   `toml:"heartbeat_seconds"`
	MaxDurationSeconds int   `toml:"max_duration_seconds"`
	MaxEventBytes      int   `toml:"max_event_bytes"`
	MaxDiagnosticBytes int64 `toml:"max_diagnostic_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/chat-relay/config.toml then configs/config.toml; finding neither is
// fine, the relay then runs on defaults and CLI/env values alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Protocol != "" {
		c.Upstream.Protocol = cli.Protocol
	}
	if cli.BaseURL != "" {
		c.Upstream.BaseURL = cli.BaseURL
	}
	if cli.Organization != "" {
		c.Upstream.Organization = cli.Organization
	}
	if cli.APIKey != "" {
		c.Upstream.APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Upstream.Protocol) {
	case "http", "https", "":
	default:
		return fmt.Errorf("upstream.protocol must be http or https; got %q", c.Upstream.Protocol)
	}
	if strings.ContainsAny(c.Upstream.BaseURL, " \t\n") {
		return fmt.Errorf("upstream.base_url must not contain whitespace; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Relay.HeartbeatSeconds < 0 {
		return fmt.Errorf("relay.heartbeat_seconds must be non-negative; got %d", c.Relay.HeartbeatSeconds)
	}
	if c.Relay.MaxDurationSeconds < 0 {
		return fmt.Errorf("relay.max_duration_seconds must be non-negative; got %d", c.Relay.MaxDurationSeconds)
	}
	if c.Relay.MaxEventBytes < 0 {
		return fmt.Errorf("relay.max_event_bytes must be non-negative; got %d", c.Relay.MaxEventBytes)
	}
	if c.Relay.MaxDiagnosticBytes < 0 {
		return fmt.Errorf("relay.max_diagnostic_bytes must be non-negative; got %d", c.Relay.MaxDiagnosticBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields. Zero means "unset" for every numeric
// field because TOML cannot tell an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 25 * 1024 * 1024 // audio uploads go through /api/openai
	}
	if c.Upstream.Protocol == "" {
		c.Upstream.Protocol = "https"
	}
	c.Upstream.Protocol = strings.ToLower(c.Upstream.Protocol)
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "api.openai.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Relay.HeartbeatSeconds == 0 {
		c.Relay.HeartbeatSeconds = 10
	}
	if c.Relay.MaxDurationSeconds == 0 {
		c.Relay.MaxDurationSeconds = 600
	}
	if c.Relay.MaxEventBytes == 0 {
		c.Relay.MaxEventBytes = 1 << 20
	}
	if c.Relay.MaxDiagnosticBytes == 0 {
		c.Relay.MaxDiagnosticBytes = 1 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Heartbeat returns the idle keep-alive interval.
func (c *RelayConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// MaxDuration returns the wall-clock cap on one relayed exchange.
func (c *RelayConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
