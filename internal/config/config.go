// Package config loads and validates the broker configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the GWB_ prefix (e.g., GWB_STORE_BACKEND
// overrides store.backend in the YAML).
//
// The server secret is read from INFI_SERVER_SECRET, without the prefix, because the
// browser dashboard's deployment tooling already injects it under that name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerSecretEnv is the environment variable holding the envelope secret.
const ServerSecretEnv = "INFI_SERVER_SECRET"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and configures the key-value store backend
type StoreConfig struct {
	// Backend is one of memory, redis or postgres
	Backend string `mapstructure:"backend"`
	// KeyPrefix is prepended to every key, letting several deployments share one store
	KeyPrefix string              `mapstructure:"key_prefix"`
	Memory    MemoryStoreConfig   `mapstructure:"memory"`
	Redis     RedisStoreConfig    `mapstructure:"redis"`
	Postgres  PostgresStoreConfig `mapstructure:"postgres"`
}

// MemoryStoreConfig holds in-process store configuration
type MemoryStoreConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RedisStoreConfig holds Redis connection configuration
type RedisStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresStoreConfig holds PostgreSQL connection configuration
type PostgresStoreConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
	// PurgeInterval controls how often expired rows are deleted. Zero disables the purge loop.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// BrokerConfig holds credential broker settings
type BrokerConfig struct {
	// ServerSecret derives the envelope key. Normally supplied via INFI_SERVER_SECRET.
	ServerSecret string `mapstructure:"server_secret"`
	// MaxConnections caps the connection index per API key
	MaxConnections int `mapstructure:"max_connections"`
	// DeleteEvicted removes connection records that fall off the index
	DeleteEvicted bool `mapstructure:"delete_evicted"`
}

// GatewayConfig holds outbound gateway client settings
type GatewayConfig struct {
	Timeout           time.Duration        `mapstructure:"timeout"`
	DefaultSessionKey string               `mapstructure:"default_session_key"`
	CircuitBreaker    CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-gateway circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Store
		"store.backend",
		"store.key_prefix",
		"store.memory.sweep_interval",
		"store.redis.addr",
		"store.redis.password",
		"store.redis.db",
		"store.postgres.host",
		"store.postgres.port",
		"store.postgres.name",
		"store.postgres.user",
		"store.postgres.password",
		"store.postgres.ssl_mode",
		"store.postgres.max_connections",
		"store.postgres.min_idle_connections",
		"store.postgres.purge_interval",

		// Broker
		"broker.max_connections",
		"broker.delete_evicted",

		// Gateway
		"gateway.timeout",
		"gateway.default_session_key",
		"gateway.circuit_breaker.enabled",
		"gateway.circuit_breaker.max_requests",
		"gateway.circuit_breaker.interval",
		"gateway.circuit_breaker.timeout",

		// Security
		"security.cors.allowed_origins",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	// The secret keeps its unprefixed name.
	if err := v.BindEnv("broker.server_secret", ServerSecretEnv); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", ServerSecretEnv, err)
	}
	return nil
}

// Load loads configuration from file and environment variables and validates all of it.
func Load(configPath string) (*Config, error) {
	cfg, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadStore is Load for commands that only touch the store, such as migrate. Only the
// store section is validated, so the server secret is not required.
func LoadStore(configPath string) (*Config, error) {
	cfg, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func read(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gateway-broker")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("GWB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Broker.ServerSecret = expandEnv(cfg.Broker.ServerSecret)
	cfg.Store.Redis.Password = expandEnv(cfg.Store.Redis.Password)
	cfg.Store.Postgres.Password = expandEnv(cfg.Store.Postgres.Password)

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("store.memory.sweep_interval", "1m")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.name", "gateway_broker")
	v.SetDefault("store.postgres.user", "broker")
	v.SetDefault("store.postgres.ssl_mode", "require")
	v.SetDefault("store.postgres.max_connections", 10)
	v.SetDefault("store.postgres.min_idle_connections", 2)
	v.SetDefault("store.postgres.purge_interval", "5m")

	// Broker defaults
	v.SetDefault("broker.max_connections", 4)
	v.SetDefault("broker.delete_evicted", true)

	// Gateway defaults
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.default_session_key", "agent:main:main")
	v.SetDefault("gateway.circuit_breaker.enabled", true)
	v.SetDefault("gateway.circuit_breaker.max_requests", 1)
	v.SetDefault("gateway.circuit_breaker.interval", "1m")
	v.SetDefault("gateway.circuit_breaker.timeout", "30s")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Broker.ServerSecret == "" {
		return fmt.Errorf("%s (or broker.server_secret) is required", ServerSecretEnv)
	}
	if c.Broker.MaxConnections < 1 {
		return fmt.Errorf("broker.max_connections must be at least 1, got %d", c.Broker.MaxConnections)
	}

	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ValidateStore checks the store section alone.
func (c *Config) ValidateStore() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required when using the redis backend")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required when using the postgres backend")
		}
		if c.Store.Postgres.Name == "" {
			return fmt.Errorf("store.postgres.name is required when using the postgres backend")
		}
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("store.postgres.user is required when using the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, redis, or postgres)", c.Store.Backend)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *PostgresStoreConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
