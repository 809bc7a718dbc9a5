package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Rules      RulesConfig      `yaml:"rules"`
	Staging    StagingConfig    `yaml:"staging"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for net/http.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the operational Postgres connection.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the staging cache connection. URL wins over Addr.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Options returns go-redis client options.
func (c RedisConfig) Options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}, nil
}

// ClickHouseConfig holds the analytical store connection.
type ClickHouseConfig struct {
	Addr               []string `yaml:"addr"`
	Database           string   `yaml:"database"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	DialTimeoutSeconds int      `yaml:"dial_timeout_seconds"`
	MaxOpenConns       int      `yaml:"max_open_conns"`
	Debug              bool     `yaml:"debug"`
}

// DialTimeout returns the connect timeout.
func (c ClickHouseConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// RulesConfig holds rule tree cache settings.
type RulesConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns how long compiled trees stay cached.
func (c RulesConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// StagingConfig holds recipient staging buffer settings.
type StagingConfig struct {
	BatchSize      int `yaml:"batch_size"`
	PageSize       int `yaml:"page_size"`
	TTLHours       int `yaml:"ttl_hours"`
	LockTTLMinutes int `yaml:"lock_ttl_minutes"`
}

// TTL returns the staging buffer expiry.
func (c StagingConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// LockTTL returns the owner lock expiry.
func (c StagingConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// JobsConfig holds population queue settings.
type JobsConfig struct {
	Workers                 int `yaml:"workers"`
	PollIntervalMillis      int `yaml:"poll_interval_ms"`
	MaxAttempts             int `yaml:"max_attempts"`
	BaseBackoffSeconds      int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds       int `yaml:"max_backoff_seconds"`
	StaleAfterMinutes       int `yaml:"stale_after_minutes"`
	RecoveryIntervalSeconds int `yaml:"recovery_interval_seconds"`
}

// PollInterval returns how often idle workers look for jobs.
func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// BaseBackoff returns the first retry delay.
func (c JobsConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

// MaxBackoff caps the retry delay.
func (c JobsConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// StaleAfter returns how long a running job may go without finishing before
// recovery requeues it.
func (c JobsConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// RecoveryInterval returns how often the recovery loop runs.
func (c JobsConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableRedaction bool   `yaml:"disable_redaction"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if len(cfg.ClickHouse.Addr) == 0 {
		cfg.ClickHouse.Addr = []string{"localhost:9000"}
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}
	if cfg.ClickHouse.DialTimeoutSeconds == 0 {
		cfg.ClickHouse.DialTimeoutSeconds = 10
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.Rules.CacheTTLSeconds == 0 {
		cfg.Rules.CacheTTLSeconds = 600
	}
	// Staging defaults
	if cfg.Staging.BatchSize == 0 {
		cfg.Staging.BatchSize = 2500
	}
	if cfg.Staging.PageSize == 0 {
		cfg.Staging.PageSize = 1000
	}
	if cfg.Staging.TTLHours == 0 {
		cfg.Staging.TTLHours = 24
	}
	if cfg.Staging.LockTTLMinutes == 0 {
		cfg.Staging.LockTTLMinutes = 30
	}
	// Job queue defaults
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.PollIntervalMillis == 0 {
		cfg.Jobs.PollIntervalMillis = 1000
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.BaseBackoffSeconds == 0 {
		cfg.Jobs.BaseBackoffSeconds = 5
	}
	if cfg.Jobs.MaxBackoffSeconds == 0 {
		cfg.Jobs.MaxBackoffSeconds = 300
	}
	if cfg.Jobs.StaleAfterMinutes == 0 {
		cfg.Jobs.StaleAfterMinutes = 60
	}
	if cfg.Jobs.RecoveryIntervalSeconds == 0 {
		cfg.Jobs.RecoveryIntervalSeconds = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars.
// An empty path skips the file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.ClickHouse.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		cfg.ClickHouse.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_COUNT %q: %w", v, err)
		}
		cfg.Jobs.Workers = n
	}

	return cfg, nil
}
