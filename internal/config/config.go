// Package config provides configuration loading for the gateway.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ucd-library/pg-farm-sub000/internal/tier"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// TLS configuration for the client-facing SSLRequest upgrade
	TLS TLSConfig `yaml:"tls"`

	// JWT verification configuration
	JWT JWTConfig `yaml:"jwt"`

	// Auth policy configuration
	Auth AuthConfig `yaml:"auth"`

	// Backend credential configuration
	Credentials CredentialsConfig `yaml:"credentials"`

	// Directory (account lookup) configuration
	Directory DirectoryConfig `yaml:"directory"`

	// Wake coordinator configuration
	Wake WakeConfig `yaml:"wake"`

	// Tiering engine configuration
	Tier TierConfig `yaml:"tier"`

	// Session registry configuration
	Session SessionConfig `yaml:"session"`

	// Accounting configuration
	Accounting AccountingConfig `yaml:"accounting"`

	// Ops HTTP endpoint configuration
	Ops OpsConfig `yaml:"ops"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":5432").
	ListenAddr string `yaml:"listen_addr"`

	// MaxConnections limits concurrent client connections.
	MaxConnections int `yaml:"max_connections"`

	// StartupTimeout bounds the client handshake.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// BindTimeout bounds a backend bind attempt, wake included.
	BindTimeout time.Duration `yaml:"bind_timeout"`

	// ShutdownTimeout for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Debug logs every relayed frame's type and size.
	Debug bool `yaml:"debug"`
}

// TLSConfig holds TLS settings for upgraded client sockets.
type TLSConfig struct {
	// Enabled answers SSLRequests affirmatively when set.
	Enabled bool `yaml:"enabled"`

	// CertFile is the path to the TLS certificate file.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the TLS private key file.
	KeyFile string `yaml:"key_file"`

	// MinVersion is the minimum TLS version ("1.2" or "1.3"). Empty
	// leaves the crypto/tls default in place.
	MinVersion string `yaml:"min_version"`
}

// TLSMinVersion maps the configured minimum version to a tls constant.
func (t TLSConfig) TLSMinVersion() uint16 {
	switch t.MinVersion {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	}
	return 0
}

// JWTConfig holds bearer token verification settings.
type JWTConfig struct {
	// PublicKeyPath is the file path to the RSA public key.
	PublicKeyPath string `yaml:"public_key_path"`

	// PublicKeyURL is the URL to fetch the public key from.
	PublicKeyURL string `yaml:"public_key_url"`

	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer"`

	// Audience is the expected token audience.
	Audience string `yaml:"audience"`

	// CacheTTL for verified tokens.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// KeyRefreshInterval for refreshing the public key from URL.
	KeyRefreshInterval time.Duration `yaml:"key_refresh_interval"`
}

// AuthConfig holds gateway auth policy settings.
type AuthConfig struct {
	// SuperuserName is the username admin identities may impersonate.
	SuperuserName string `yaml:"superuser_name"`

	// AdminRole is the identity role required for impersonation.
	AdminRole string `yaml:"admin_role"`
}

// CredentialsConfig selects how backend credentials are sourced.
type CredentialsConfig struct {
	// Mode is "account" (per-account stored credential) or "static".
	Mode string `yaml:"mode"`

	// StaticSecret is presented to every backend in static mode.
	StaticSecret string `yaml:"static_secret"`
}

// DirectoryConfig selects and configures the account lookup backend.
type DirectoryConfig struct {
	// Mode is one of "static", "http" or "postgres".
	Mode string `yaml:"mode"`

	// ControlPlane holds settings for http mode.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// DatabaseURL is the registry database DSN for postgres mode.
	DatabaseURL string `yaml:"database_url"`
}

// ControlPlaneConfig holds settings for control plane API communication.
type ControlPlaneConfig struct {
	// URL is the base URL of the control plane API.
	URL string `yaml:"url"`

	// APIKey authenticates the gateway to the control plane.
	APIKey string `yaml:"api_key"`

	// Timeout for control plane API requests.
	Timeout time.Duration `yaml:"timeout"`

	// RetryCount is the number of retries for failed requests.
	RetryCount int `yaml:"retry_count"`

	// RetryDelay is the delay between retries.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// WakeConfig holds wake coordinator settings.
type WakeConfig struct {
	// ControlPlaneURL is the orchestration API for start/stop requests.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// ServiceAccountToken authenticates wake requests.
	ServiceAccountToken string `yaml:"service_account_token"`

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// PollInterval is how often to re-probe a waking backend.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPolls is the retry budget before a wake fails.
	MaxPolls int `yaml:"max_polls"`
}

// TierConfig holds tiering engine settings.
type TierConfig struct {
	// Enabled runs the idle sweeper.
	Enabled bool `yaml:"enabled"`

	// SweepInterval is the sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Policy overrides the default tier ladder when non-empty.
	Policy *tier.Policy `yaml:"policy"`
}

// SessionConfig holds session registry settings.
type SessionConfig struct {
	// AutoClose cascades closure of a session's sockets.
	AutoClose bool `yaml:"auto_close"`

	// GraceDelay before cascading closure.
	GraceDelay time.Duration `yaml:"grace_delay"`

	// DialTimeout bounds outbound backend dials.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AccountingConfig holds usage recording settings.
type AccountingConfig struct {
	// Mode is one of "none", "log" or "http".
	Mode string `yaml:"mode"`

	// ControlPlane holds settings for http mode.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// FlushInterval for aggregated query counts.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// OpsConfig holds the operational HTTP endpoint settings.
type OpsConfig struct {
	// Enabled serves /healthz and /stats when set.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the HTTP address (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (json, text).
	Format string `yaml:"format"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":5432",
			MaxConnections:  1000,
			StartupTimeout:  30 * time.Second,
			BindTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		JWT: JWTConfig{
			CacheTTL:           5 * time.Minute,
			KeyRefreshInterval: 1 * time.Hour,
		},
		Auth: AuthConfig{
			SuperuserName: "postgres",
			AdminRole:     "admin",
		},
		Credentials: CredentialsConfig{
			Mode: "account",
		},
		Directory: DirectoryConfig{
			Mode: "http",
			ControlPlane: ControlPlaneConfig{
				Timeout:    10 * time.Second,
				RetryCount: 3,
				RetryDelay: 1 * time.Second,
			},
		},
		Wake: WakeConfig{
			ProbeTimeout: 2 * time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxPolls:     60,
		},
		Tier: TierConfig{
			Enabled:       false,
			SweepInterval: time.Minute,
		},
		Session: SessionConfig{
			AutoClose:   true,
			GraceDelay:  50 * time.Millisecond,
			DialTimeout: 10 * time.Second,
		},
		Accounting: AccountingConfig{
			Mode:          "log",
			FlushInterval: 10 * time.Second,
			ControlPlane: ControlPlaneConfig{
				Timeout: 5 * time.Second,
			},
		},
		Ops: OpsConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables override file configuration.
func LoadFromEnv(config *Config) {
	// Server settings
	if v := os.Getenv("FARM_GATEWAY_LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = v
	}
	if v := os.Getenv("FARM_GATEWAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Server.MaxConnections = n
		}
	}
	if v := os.Getenv("FARM_GATEWAY_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.StartupTimeout = d
		}
	}
	if v := os.Getenv("FARM_GATEWAY_BIND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.BindTimeout = d
		}
	}

	if v := os.Getenv("FARM_GATEWAY_DEBUG"); v == "true" {
		config.Server.Debug = true
	}

	// Auth and credential settings
	if v := os.Getenv("FARM_GATEWAY_SUPERUSER_NAME"); v != "" {
		config.Auth.SuperuserName = v
	}
	if v := os.Getenv("FARM_GATEWAY_ADMIN_ROLE"); v != "" {
		config.Auth.AdminRole = v
	}
	if v := os.Getenv("FARM_GATEWAY_CREDENTIALS_MODE"); v != "" {
		config.Credentials.Mode = v
	}
	if v := os.Getenv("FARM_GATEWAY_STATIC_SECRET"); v != "" {
		config.Credentials.StaticSecret = v
	}

	// TLS settings
	if v := os.Getenv("FARM_GATEWAY_TLS_ENABLED"); v == "true" {
		config.TLS.Enabled = true
	}
	if v := os.Getenv("FARM_GATEWAY_TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("FARM_GATEWAY_TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	if v := os.Getenv("FARM_GATEWAY_TLS_MIN_VERSION"); v != "" {
		config.TLS.MinVersion = v
	}

	// JWT settings
	if v := os.Getenv("FARM_GATEWAY_PUBLIC_KEY_PATH"); v != "" {
		config.JWT.PublicKeyPath = v
	}
	if v := os.Getenv("FARM_GATEWAY_PUBLIC_KEY_URL"); v != "" {
		config.JWT.PublicKeyURL = v
	}
	if v := os.Getenv("FARM_GATEWAY_JWT_ISSUER"); v != "" {
		config.JWT.Issuer = v
	}
	if v := os.Getenv("FARM_GATEWAY_JWT_AUDIENCE"); v != "" {
		config.JWT.Audience = v
	}
	if v := os.Getenv("FARM_GATEWAY_JWT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.JWT.CacheTTL = d
		}
	}

	// Directory settings
	if v := os.Getenv("FARM_GATEWAY_DIRECTORY_MODE"); v != "" {
		config.Directory.Mode = v
	}
	if v := os.Getenv("FARM_GATEWAY_CONTROL_PLANE_URL"); v != "" {
		config.Directory.ControlPlane.URL = v
	}
	if v := os.Getenv("FARM_GATEWAY_CONTROL_PLANE_API_KEY"); v != "" {
		config.Directory.ControlPlane.APIKey = v
	}
	if v := os.Getenv("FARM_GATEWAY_DATABASE_URL"); v != "" {
		config.Directory.DatabaseURL = v
	}

	// Wake settings
	if v := os.Getenv("FARM_GATEWAY_WAKE_CONTROL_PLANE_URL"); v != "" {
		config.Wake.ControlPlaneURL = v
	}
	if v := os.Getenv("FARM_GATEWAY_WAKE_SERVICE_ACCOUNT_TOKEN"); v != "" {
		config.Wake.ServiceAccountToken = v
	}
	if v := os.Getenv("FARM_GATEWAY_WAKE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Wake.PollInterval = d
		}
	}
	if v := os.Getenv("FARM_GATEWAY_WAKE_MAX_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Wake.MaxPolls = n
		}
	}

	// Tier settings
	if v := os.Getenv("FARM_GATEWAY_TIER_ENABLED"); v == "true" {
		config.Tier.Enabled = true
	}
	if v := os.Getenv("FARM_GATEWAY_TIER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Tier.SweepInterval = d
		}
	}

	// Session settings
	if v := os.Getenv("FARM_GATEWAY_SESSION_AUTO_CLOSE"); v == "false" {
		config.Session.AutoClose = false
	}

	// Accounting settings
	if v := os.Getenv("FARM_GATEWAY_ACCOUNTING_MODE"); v != "" {
		config.Accounting.Mode = v
	}
	if v := os.Getenv("FARM_GATEWAY_ACCOUNTING_URL"); v != "" {
		config.Accounting.ControlPlane.URL = v
	}
	if v := os.Getenv("FARM_GATEWAY_ACCOUNTING_API_KEY"); v != "" {
		config.Accounting.ControlPlane.APIKey = v
	}

	// Ops settings
	if v := os.Getenv("FARM_GATEWAY_OPS_ENABLED"); v == "false" {
		config.Ops.Enabled = false
	}
	if v := os.Getenv("FARM_GATEWAY_OPS_LISTEN_ADDR"); v != "" {
		config.Ops.ListenAddr = v
	}

	// Logging settings
	if v := os.Getenv("FARM_GATEWAY_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("FARM_GATEWAY_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.JWT.PublicKeyPath == "" && c.JWT.PublicKeyURL == "" {
		return fmt.Errorf("jwt.public_key_path or jwt.public_key_url is required")
	}

	switch c.Directory.Mode {
	case "static":
	case "http":
		if c.Directory.ControlPlane.URL == "" {
			return fmt.Errorf("directory.control_plane.url is required in http mode")
		}
	case "postgres":
		if c.Directory.DatabaseURL == "" {
			return fmt.Errorf("directory.database_url is required in postgres mode")
		}
	default:
		return fmt.Errorf("directory.mode must be static, http or postgres")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("tls.min_version must be 1.2 or 1.3")
	}

	switch c.Credentials.Mode {
	case "", "account":
	case "static":
		if c.Credentials.StaticSecret == "" {
			return fmt.Errorf("credentials.static_secret is required in static mode")
		}
	default:
		return fmt.Errorf("credentials.mode must be account or static")
	}

	switch c.Accounting.Mode {
	case "", "none", "log":
	case "http":
		if c.Accounting.ControlPlane.URL == "" {
			return fmt.Errorf("accounting.control_plane.url is required in http mode")
		}
	default:
		return fmt.Errorf("accounting.mode must be none, log or http")
	}

	if c.Tier.Enabled && c.Tier.Policy != nil {
		if err := c.Tier.Policy.Validate(); err != nil {
			return fmt.Errorf("tier.policy: %w", err)
		}
	}

	return nil
}

// TierPolicy returns the configured tier ladder or the default one.
func (c *Config) TierPolicy() *tier.Policy {
	if c.Tier.Policy != nil {
		return c.Tier.Policy
	}
	return tier.DefaultPolicy()
}
