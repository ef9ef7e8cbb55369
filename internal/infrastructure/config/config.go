package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host configuration.
type Config struct {
	Server    ServerConfig
	Host      HostConfig
	Security  SecurityConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// HostConfig holds runtime host configuration.
type HostConfig struct {
	MaxConcurrentApps int           `envconfig:"MAX_CONCURRENT_APPS" default:"5"`
	LoadTimeout       time.Duration `envconfig:"APP_LOAD_TIMEOUT" default:"30s"`
	UnloadTimeout     time.Duration `envconfig:"APP_UNLOAD_TIMEOUT" default:"10s"`
	AutoRecover       bool          `envconfig:"AUTO_RECOVER" default:"false"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay        time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	MonitorInterval   time.Duration `envconfig:"MONITOR_INTERVAL" default:"1s"`
	ViolationPolicy   string        `envconfig:"VIOLATION_POLICY" default:"report"`
	AppsDir           string        `envconfig:"APPS_DIR" default:"./apps"`
}

// SecurityConfig holds authorization configuration.
type SecurityConfig struct {
	PermissionCacheTTL     time.Duration `envconfig:"PERMISSION_CACHE_TTL" default:"5m"`
	PolicyCacheTTL         time.Duration `envconfig:"POLICY_CACHE_TTL" default:"10m"`
	DefaultIsolation       string        `envconfig:"DEFAULT_ISOLATION" default:"standard"`
	InstallDefaultPolicies bool          `envconfig:"INSTALL_DEFAULT_POLICIES" default:"true"`
	AdminUsers             []string      `envconfig:"ADMIN_USERS"`
	DefaultRole            string        `envconfig:"DEFAULT_ROLE" default:"user"`
	DefaultGrants          []string      `envconfig:"DEFAULT_GRANTS" default:"read:data,write:data,read:storage,write:storage,create:notification"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// CORSConfig holds cross-origin configuration for the HTTP and event
// stream endpoints.
type CORSConfig struct {
	AllowOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Path    string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects settings the host cannot run with.
func (c *Config) Validate() error {
	if c.Host.MaxConcurrentApps < 1 {
		return fmt.Errorf("MAX_CONCURRENT_APPS must be at least 1, got %d", c.Host.MaxConcurrentApps)
	}
	if c.Host.LoadTimeout <= 0 {
		return fmt.Errorf("APP_LOAD_TIMEOUT must be positive")
	}
	if c.Host.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	switch c.Host.ViolationPolicy {
	case "report", "fault":
	default:
		return fmt.Errorf("VIOLATION_POLICY must be report or fault, got %q", c.Host.ViolationPolicy)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Host: HostConfig{
			MaxConcurrentApps: 5,
			LoadTimeout:       30 * time.Second,
			UnloadTimeout:     10 * time.Second,
			AutoRecover:       false,
			MaxRetries:        3,
			RetryDelay:        time.Second,
			MonitorInterval:   time.Second,
			ViolationPolicy:   "report",
			AppsDir:           "./apps",
		},
		Security: SecurityConfig{
			PermissionCacheTTL:     5 * time.Minute,
			PolicyCacheTTL:         10 * time.Minute,
			DefaultIsolation:       "standard",
			InstallDefaultPolicies: true,
			DefaultRole:            "user",
			DefaultGrants:          []string{"read:data", "write:data", "read:storage", "write:storage", "create:notification"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
