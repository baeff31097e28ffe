package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string            `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string            `yaml:"containerd_socket"`
	Namespace        string            `yaml:"namespace"`
	Deadline         time.Duration     `yaml:"deadline"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	AdmissionTimeout time.Duration     `yaml:"admission_timeout"`
	Limits           LimitsConfig      `yaml:"limits"`
	Images           map[string]string `yaml:"images"` // language -> image override
	OrphanSweep      time.Duration     `yaml:"orphan_sweep_interval"`
}

type LimitsConfig struct {
	MemoryMB  int64   `yaml:"memory_mb"`
	CPUs      float64 `yaml:"cpus"`
	PidsLimit int64   `yaml:"pids_limit"`
	ScratchMB int64   `yaml:"scratch_mb"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, sqlite, memory
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	AdminRole string `yaml:"admin_role"`
}

// NotifyConfig tunes the live status channel.
type NotifyConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig toggles span creation. Spans go to the global
// TracerProvider, which the deployment installs.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	MaxCodeBytes   int     `yaml:"max_code_bytes"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8082,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second, // > deadline + admission wait + container startup
			ShutdownTimeout: 40 * time.Second,
			MaxRequestBody:  1 << 20,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "polyglot",
			Deadline:         30 * time.Second,
			MaxConcurrent:    32,
			AdmissionTimeout: 10 * time.Second,
			Limits: LimitsConfig{
				MemoryMB:  128,
				CPUs:      0.5,
				PidsLimit: 64,
				ScratchMB: 64,
			},
			OrphanSweep: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:    "",
			AdminRole: "admin",
		},
		Notify: NotifyConfig{
			SubscriberBuffer: 64,
			PingInterval:     30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "polyglot-exec",
		},
		Security: SecurityConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxCodeBytes:   64 * 1024,
		},
	}
}

// ApplyEnv overlays secrets that should not live in the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "memory" {
			c.Database.Driver = "postgres"
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, or docker, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.Deadline < time.Second || c.Sandbox.Deadline > 5*time.Minute {
		return fmt.Errorf("sandbox.deadline must be between 1s and 5m, got %s", c.Sandbox.Deadline)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.AdmissionTimeout < 0 {
		return fmt.Errorf("sandbox.admission_timeout must not be negative")
	}
	if c.Sandbox.Limits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.limits.memory_mb must be >= 16")
	}
	if c.Sandbox.Limits.CPUs <= 0 || c.Sandbox.Limits.CPUs > 8 {
		return fmt.Errorf("sandbox.limits.cpus must be in (0, 8], got %g", c.Sandbox.Limits.CPUs)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite, or memory, got %q", c.Database.Driver)
	}
	if c.Auth.AdminRole == "" {
		return fmt.Errorf("auth.admin_role must not be empty")
	}
	if c.Notify.SubscriberBuffer < 1 {
		return fmt.Errorf("notify.subscriber_buffer must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty, every authenticated request will be rejected")
	} else if len(c.Auth.JWTSecret) < 16 {
		log.Warn().Int("length", len(c.Auth.JWTSecret)).Msg("auth.jwt_secret is shorter than 16 characters")
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	if c.Database.Driver == "memory" {
		log.Warn().Msg("database.driver is memory, execution records are lost on restart")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
