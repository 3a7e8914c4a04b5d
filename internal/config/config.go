// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing values applied when the config omits them.
const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultSessionIdleTimeout  = 30 * time.Minute
	DefaultSessionSweep        = 60 * time.Second
	DefaultSessionTokenTTL     = time.Hour
	DefaultMaxSessions         = 100
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Backends  []BackendConfig `yaml:"backends"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	APIKey    string `yaml:"api_key"` // Static inbound API key; empty disables the check
}

// SessionsConfig holds session capacity and expiry configuration
type SessionsConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	TokenTTL      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	TokenTTLRaw      string `yaml:"token_ttl"`
}

// BackendConfig describes a single capability server.
type BackendConfig struct {
	ID                  string        `yaml:"id"`
	BaseURL             string        `yaml:"base_url"`
	Capabilities        []string      `yaml:"capabilities"`
	HealthCheckInterval time.Duration `yaml:"-"`
	RequiresAuth        bool          `yaml:"requires_auth"`
	APIKey              string        `yaml:"api_key"`
	MaxRetries          int           `yaml:"max_retries"`

	HealthCheckIntervalRaw string `yaml:"health_check_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Sessions.MaxConcurrent == 0 {
		c.Sessions.MaxConcurrent = DefaultMaxSessions
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultSessionIdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSessionSweep
	}
	if c.Sessions.TokenTTL == 0 {
		c.Sessions.TokenTTL = DefaultSessionTokenTTL
	}
	for i := range c.Backends {
		if c.Backends[i].HealthCheckInterval == 0 {
			c.Backends[i].HealthCheckInterval = DefaultHealthCheckInterval
		}
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	// Session tokens are signed, so a secret is always required
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	seenIDs := make(map[string]struct{}, len(c.Backends))
	capOwners := make(map[string]string)
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if _, dup := seenIDs[b.ID]; dup {
			return fmt.Errorf("backends[%d]: duplicate backend id %q", i, b.ID)
		}
		seenIDs[b.ID] = struct{}{}

		if b.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url is required", b.ID)
		}
		u, err := url.Parse(b.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend %q: base_url %q is not a valid URL", b.ID, b.BaseURL)
		}

		if b.RequiresAuth && b.APIKey == "" {
			return fmt.Errorf("backend %q: api_key is required when requires_auth is set", b.ID)
		}
		if b.MaxRetries < 0 {
			return fmt.Errorf("backend %q: max_retries must not be negative", b.ID)
		}

		// Two backends declaring the same capability would make routing
		// order-dependent, so reject the configuration outright.
		for _, capability := range b.Capabilities {
			if owner, claimed := capOwners[capability]; claimed {
				return fmt.Errorf("capability %q declared by both %q and %q", capability, owner, b.ID)
			}
			capOwners[capability] = b.ID
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	if cfg.Sessions.TokenTTLRaw != "" {
		cfg.Sessions.TokenTTL, err = time.ParseDuration(cfg.Sessions.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Sessions.TokenTTLRaw, err)
		}
	}

	for i := range cfg.Backends {
		raw := cfg.Backends[i].HealthCheckIntervalRaw
		if raw == "" {
			continue
		}
		cfg.Backends[i].HealthCheckInterval, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("backend %q: parsing health_check_interval %q: %w", cfg.Backends[i].ID, raw, err)
		}
	}

	return nil
}
