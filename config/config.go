package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidemail/bridge/consts"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// SessionStoreConfig holds durable session store configuration.
type SessionStoreConfig struct {
	Backend    string `toml:"backend"` // "redis" or "memory"
	URL        string `toml:"url"`     // redis connection URL
	DefaultTTL string `toml:"default_ttl"`
}

// PoolConfig holds session pool configuration.
type PoolConfig struct {
	MaxConnections int    `toml:"max_connections"`
	ConnectTimeout string `toml:"connect_timeout"`
}

// SweeperConfig holds keep-alive sweeper configuration.
type SweeperConfig struct {
	Start    bool   `toml:"start"`
	Interval string `toml:"interval"`
}

// HTTPAPIConfig holds the HTTP gateway configuration.
type HTTPAPIConfig struct {
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds the prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// FallbackInboxConfig defines an inbox mapping that is always present in the
// registry. Useful for single-account deployments where no mapping has been
// created through the API yet.
type FallbackInboxConfig struct {
	Email    string `toml:"email"`
	IMAPHost string `toml:"imap_host"`
	IMAPPort int    `toml:"imap_port"`
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// RegistryConfig holds inbox mapping registry configuration.
type RegistryConfig struct {
	Backend string              `toml:"backend"` // "memory" or "redis"
	Inbox   FallbackInboxConfig `toml:"fallback_inbox"`
}

// Config holds all configuration for the gateway.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	SessionStore SessionStoreConfig `toml:"session_store"`
	Pool         PoolConfig         `toml:"pool"`
	Sweeper      SweeperConfig      `toml:"sweeper"`
	HTTPAPI      HTTPAPIConfig      `toml:"http_api"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Registry     RegistryConfig     `toml:"registry"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		SessionStore: SessionStoreConfig{
			Backend:    "redis",
			URL:        "redis://localhost:6379/0",
			DefaultTTL: "300s",
		},
		Pool: PoolConfig{
			MaxConnections: consts.DefaultPoolCapacity,
			ConnectTimeout: "30s",
		},
		Sweeper: SweeperConfig{
			Start:    true,
			Interval: "25s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Registry: RegistryConfig{
			Backend: "memory",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	ttl, err := c.SessionStore.GetDefaultTTL()
	if err != nil {
		return fmt.Errorf("session_store.default_ttl: %w", err)
	}
	interval, err := c.Sweeper.GetInterval()
	if err != nil {
		return fmt.Errorf("sweeper.interval: %w", err)
	}
	if interval > ttl/10 {
		return fmt.Errorf("sweeper.interval %v must be at most a tenth of session_store.default_ttl %v", interval, ttl)
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive, got %d", c.Pool.MaxConnections)
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api: TLS certificate and key files are required when TLS is enabled")
	}
	switch c.SessionStore.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("session_store.backend must be \"redis\" or \"memory\", got %q", c.SessionStore.Backend)
	}
	return nil
}

func (c *SessionStoreConfig) GetDefaultTTL() (time.Duration, error) {
	if c.DefaultTTL == "" {
		return consts.DefaultSessionTTL, nil
	}
	return time.ParseDuration(c.DefaultTTL)
}

func (c *SweeperConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return consts.DefaultSweepInterval, nil
	}
	return time.ParseDuration(c.Interval)
}

func (c *PoolConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return consts.DefaultConnectTimeout, nil
	}
	return time.ParseDuration(c.ConnectTimeout)
}
