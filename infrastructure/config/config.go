// Package config provides unified configuration loading for the order
// execution service: environment variables (via envdecode), an optional
// YAML file overlay, and a DATABASE_URL override for local/dev ergonomics.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host                string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port                int    `json:"port" yaml:"port" env:"SERVER_PORT"`
	CORSAllowedOrigins  string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	MigrationsPath  string `json:"migrations_path" yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

// RedisConfig controls the Redis connection used for idempotency, daily
// quota counters, and tick pub/sub. The rate-limiter sliding windows are
// kept in process, not in Redis.
type RedisConfig struct {
	URL      string `json:"url" yaml:"url" env:"REDIS_URL"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// AuthConfig controls gateway JWT validation and the internal API key.
type AuthConfig struct {
	JWTPublicKeyPEM string `json:"jwt_public_key_pem" yaml:"jwt_public_key_pem" env:"AUTH_JWT_PUBLIC_KEY_PEM"`
	JWKSURL         string `json:"jwks_url" yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	InternalAPIKey  string `json:"-" yaml:"-" env:"INTERNAL_API_KEY"`
}

// UpstreamConfig holds the base URLs of collaborating services.
type UpstreamConfig struct {
	TokenManagerURL    string `json:"token_manager_url" yaml:"token_manager_url" env:"TOKEN_MANAGER_URL"`
	PermissionServiceURL string `json:"permission_service_url" yaml:"permission_service_url" env:"PERMISSION_SERVICE_URL"`
	MarketDataServiceURL string `json:"market_data_service_url" yaml:"market_data_service_url" env:"MARKET_DATA_SERVICE_URL"`
	AccountServiceURL    string `json:"account_service_url" yaml:"account_service_url" env:"ACCOUNT_SERVICE_URL"`
	BrokerAPIURL         string `json:"broker_api_url" yaml:"broker_api_url" env:"BROKER_API_URL"`
}

// PolicyConfig holds the operational/risk thresholds spec.md §4 and §6 name.
type PolicyConfig struct {
	DailyOrderLimitDefault int           `json:"daily_order_limit_default" yaml:"daily_order_limit_default" env:"POLICY_DAILY_ORDER_LIMIT_DEFAULT"`
	DailyResetTime         string        `json:"daily_reset_time" yaml:"daily_reset_time" env:"POLICY_DAILY_RESET_TIME"` // "HH:MM" in IST
	RateLimitPerSecond     int           `json:"rate_limit_per_second" yaml:"rate_limit_per_second" env:"POLICY_RATE_LIMIT_PER_SECOND"`
	RateLimitWindow        time.Duration `json:"rate_limit_window" yaml:"rate_limit_window" env:"POLICY_RATE_LIMIT_WINDOW"`
	IdempotencyTTL         time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl" env:"POLICY_IDEMPOTENCY_TTL"`
	CircuitBreakerMaxFails int           `json:"circuit_breaker_max_failures" yaml:"circuit_breaker_max_failures" env:"POLICY_CIRCUIT_BREAKER_MAX_FAILURES"`
	CircuitBreakerTimeout  time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout" env:"POLICY_CIRCUIT_BREAKER_TIMEOUT"`
	RetryMaxAttempts       int           `json:"retry_max_attempts" yaml:"retry_max_attempts" env:"POLICY_RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay         time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"POLICY_RETRY_BASE_DELAY"`
	RetryMaxDelay          time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" env:"POLICY_RETRY_MAX_DELAY"`
	ReconciliationInterval time.Duration `json:"reconciliation_interval" yaml:"reconciliation_interval" env:"POLICY_RECONCILIATION_INTERVAL"`
	ReconciliationCron     string        `json:"reconciliation_cron" yaml:"reconciliation_cron" env:"POLICY_RECONCILIATION_CRON"`
	TickFlushInterval      time.Duration `json:"tick_flush_interval" yaml:"tick_flush_interval" env:"POLICY_TICK_FLUSH_INTERVAL"`
	TierHotInterval        time.Duration `json:"tier_hot_interval" yaml:"tier_hot_interval" env:"POLICY_TIER_HOT_INTERVAL"`
	TierWarmInterval       time.Duration `json:"tier_warm_interval" yaml:"tier_warm_interval" env:"POLICY_TIER_WARM_INTERVAL"`
	TierColdInterval       time.Duration `json:"tier_cold_interval" yaml:"tier_cold_interval" env:"POLICY_TIER_COLD_INTERVAL"`
	TierDormantInterval    time.Duration `json:"tier_dormant_interval" yaml:"tier_dormant_interval" env:"POLICY_TIER_DORMANT_INTERVAL"`
	ShutdownGracePeriod    time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period" env:"POLICY_SHUTDOWN_GRACE_PERIOD"`
}

// Config is the top-level configuration structure, populated once at process start.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			CORSAllowedOrigins: "",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
			MigrationsPath:  "infrastructure/database/migrations",
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Policy: PolicyConfig{
			DailyOrderLimitDefault: 1000,
			DailyResetTime:         "00:00",
			RateLimitPerSecond:     10,
			RateLimitWindow:        time.Second,
			IdempotencyTTL:         24 * time.Hour,
			CircuitBreakerMaxFails: 5,
			CircuitBreakerTimeout:  30 * time.Second,
			RetryMaxAttempts:       3,
			RetryBaseDelay:         time.Second,
			RetryMaxDelay:          5 * time.Second,
			ReconciliationInterval: 5 * time.Minute,
			TickFlushInterval:      500 * time.Millisecond,
			TierHotInterval:        5 * time.Second,
			TierWarmInterval:       30 * time.Second,
			TierColdInterval:       5 * time.Minute,
			TierDormantInterval:    30 * time.Minute,
			ShutdownGracePeriod:    30 * time.Second,
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables, in that order, with DATABASE_URL/REDIS_URL-style env vars
// always taking precedence (applied last via envdecode + the override
// below). INTERNAL_API_KEY is resolved exclusively from the environment —
// see DESIGN.md Open Question 3.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride keeps a single env var (DATABASE_URL) as the
// one true DSN override, matching the teacher's config-loading convention.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
