package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	LimiterConfig  LimiterConfig  `json:"limiter"`
	QueueConfig    QueueConfig    `json:"queue"`
	BreakerConfig  BreakerConfig  `json:"breaker"`
	BalanceConfig  BalanceConfig  `json:"balance"`
	GovernorConfig GovernorConfig `json:"governor"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
	ServerConfig   ServerConfig   `json:"server"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ExchangeConfig holds upstream connection settings.
type ExchangeConfig struct {
	BaseURL          string `json:"base_url"`
	StreamURL        string `json:"stream_url"`
	UsedPointsHeader string `json:"used_points_header"`
	CallTimeoutSec   int    `json:"call_timeout_sec"`
}

// AgeTierConfig adds cost to an age-sensitive operation by target order age.
type AgeTierConfig struct {
	MaxAgeMs int64   `json:"max_age_ms"`
	Added    float64 `json:"added"`
}

// EndpointCostConfig defines the point cost of one named operation.
type EndpointCostConfig struct {
	Name     string          `json:"name"`
	Base     float64         `json:"base"`
	Public   bool            `json:"public"`
	AgeTiers []AgeTierConfig `json:"age_tiers,omitempty"`
}

// LimiterConfig holds penalty budget settings.
type LimiterConfig struct {
	MaxPoints          float64              `json:"max_points"`
	DecayRatePerSec    float64              `json:"decay_rate_per_sec"`
	PublicMaxPerWindow int                  `json:"public_max_per_window"`
	PublicWindowSec    int                  `json:"public_window_sec"`
	Endpoints          []EndpointCostConfig `json:"endpoints"`
}

// QueueConfig holds deferred-execution settings.
type QueueConfig struct {
	Capacity           int `json:"capacity"`
	MaxConcurrentCalls int `json:"max_concurrent_calls"`
	PollIntervalMs     int `json:"poll_interval_ms"`
	MinRetryWaitMs     int `json:"min_retry_wait_ms"`
	MaxRetryWaitMs     int `json:"max_retry_wait_ms"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold   int `json:"failure_threshold"`
	SuccessThreshold   int `json:"success_threshold"`
	MaxHalfOpenProbes  int `json:"max_half_open_probes"`
	InitialRecoverySec int `json:"initial_recovery_sec"`
	MaxRecoverySec     int `json:"max_recovery_sec"`
}

// BalanceConfig holds reconciliation settings.
type BalanceConfig struct {
	StalenessBoundSec int     `json:"staleness_bound_sec"`
	RelativeTolerance float64 `json:"relative_tolerance"`
	CacheTTLSec       int     `json:"cache_ttl_sec"`
	CacheMaxAssets    int     `json:"cache_max_assets"`
	HistoryDepth      int     `json:"history_depth"`
}

// GovernorConfig holds façade-level settings.
type GovernorConfig struct {
	AccountKey          string `json:"account_key"`
	DefaultDeadlineSec  int    `json:"default_deadline_sec"`
	RefreshEndpoint     string `json:"refresh_endpoint"`
	SnapshotIntervalSec int    `json:"snapshot_interval_sec"`
}

// RedisConfig holds state persistence settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds the optional Postgres history mirror.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// ServerConfig holds admin API settings.
type ServerConfig struct {
	Enabled         bool     `json:"enabled"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ProductionMode  bool     `json:"production_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	OperatorName    string   `json:"operator_name"`
	PasswordBcrypt  string   `json:"password_bcrypt"`
	JWTSecret       string   `json:"jwt_secret"`
	TokenTTLMinutes int      `json:"token_ttl_minutes"`
}

// VaultConfig holds credential resolution settings.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"`
}

// Load reads config.json (or the path in GOVERNOR_CONFIG) and applies
// environment variable overrides on top.
func Load() (*Config, error) {
	path := getEnvOrDefault("GOVERNOR_CONFIG", "config.json")

	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)

	if v := os.Getenv("LIMITER_MAX_POINTS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LimiterConfig.MaxPoints = f
		}
	}
	if v := os.Getenv("LIMITER_DECAY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LimiterConfig.DecayRatePerSec = f
		}
	}

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", cfg.ServerConfig.JWTSecret)
	cfg.ServerConfig.PasswordBcrypt = getEnvOrDefault("SERVER_PASSWORD_BCRYPT", cfg.ServerConfig.PasswordBcrypt)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolString(cfg.LoggingConfig.Pretty)) == "true"
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.exchange.example"
	}
	if cfg.ExchangeConfig.UsedPointsHeader == "" {
		cfg.ExchangeConfig.UsedPointsHeader = "X-Used-Points"
	}
	if cfg.ExchangeConfig.CallTimeoutSec <= 0 {
		cfg.ExchangeConfig.CallTimeoutSec = 10
	}

	if cfg.LimiterConfig.MaxPoints <= 0 {
		cfg.LimiterConfig.MaxPoints = 6000
	}
	if cfg.LimiterConfig.DecayRatePerSec <= 0 {
		cfg.LimiterConfig.DecayRatePerSec = 100
	}
	if cfg.LimiterConfig.PublicMaxPerWindow <= 0 {
		cfg.LimiterConfig.PublicMaxPerWindow = 1200
	}
	if cfg.LimiterConfig.PublicWindowSec <= 0 {
		cfg.LimiterConfig.PublicWindowSec = 60
	}
	if len(cfg.LimiterConfig.Endpoints) == 0 {
		cfg.LimiterConfig.Endpoints = DefaultEndpointCosts()
	}

	if cfg.GovernorConfig.AccountKey == "" {
		cfg.GovernorConfig.AccountKey = "default"
	}
	if cfg.GovernorConfig.DefaultDeadlineSec <= 0 {
		cfg.GovernorConfig.DefaultDeadlineSec = 30
	}
	if cfg.GovernorConfig.RefreshEndpoint == "" {
		cfg.GovernorConfig.RefreshEndpoint = "balances"
	}
	if cfg.GovernorConfig.SnapshotIntervalSec <= 0 {
		cfg.GovernorConfig.SnapshotIntervalSec = 15
	}

	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.OperatorName == "" {
		cfg.ServerConfig.OperatorName = "operator"
	}
	if cfg.ServerConfig.TokenTTLMinutes <= 0 {
		cfg.ServerConfig.TokenTTLMinutes = 60
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// DefaultEndpointCosts covers the built-in route set. Cancels and amends
// carry an age surcharge: the younger the target order, the more a cancel
// costs.
func DefaultEndpointCosts() []EndpointCostConfig {
	ageTiers := []AgeTierConfig{
		{MaxAgeMs: 1000, Added: 25},
		{MaxAgeMs: 5000, Added: 10},
		{MaxAgeMs: 30000, Added: 2},
	}
	return []EndpointCostConfig{
		{Name: "place_order", Base: 1},
		{Name: "cancel_order", Base: 1, AgeTiers: ageTiers},
		{Name: "amend_order", Base: 1, AgeTiers: ageTiers},
		{Name: "open_orders", Base: 3},
		{Name: "account", Base: 10},
		{Name: "balances", Base: 10},
		{Name: "server_time", Base: 1, Public: true},
		{Name: "exchange_info", Base: 10, Public: true},
		{Name: "ticker_price", Base: 2, Public: true},
	}
}

// Validate rejects configurations the governor cannot run safely with.
func (c *Config) Validate() error {
	if c.LimiterConfig.MaxPoints <= 0 {
		return fmt.Errorf("limiter.max_points must be positive")
	}
	if c.LimiterConfig.DecayRatePerSec <= 0 {
		return fmt.Errorf("limiter.decay_rate_per_sec must be positive")
	}

	seen := make(map[string]bool)
	for _, e := range c.LimiterConfig.Endpoints {
		if e.Name == "" {
			return fmt.Errorf("limiter.endpoints contains an entry with no name")
		}
		if seen[e.Name] {
			return fmt.Errorf("limiter.endpoints has duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if e.Base < 0 {
			return fmt.Errorf("limiter.endpoints[%s].base must not be negative", e.Name)
		}
		for _, t := range e.AgeTiers {
			if t.MaxAgeMs <= 0 {
				return fmt.Errorf("limiter.endpoints[%s] has an age tier with non-positive max_age_ms", e.Name)
			}
			if t.Added < 0 {
				return fmt.Errorf("limiter.endpoints[%s] has an age tier with negative surcharge", e.Name)
			}
		}
	}
	if !seen[c.GovernorConfig.RefreshEndpoint] {
		return fmt.Errorf("governor.refresh_endpoint %q has no cost entry", c.GovernorConfig.RefreshEndpoint)
	}

	if c.ServerConfig.Enabled {
		if c.ServerConfig.JWTSecret == "" {
			return fmt.Errorf("server.jwt_secret is required when the admin API is enabled")
		}
		if c.ServerConfig.PasswordBcrypt == "" {
			return fmt.Errorf("server.password_bcrypt is required when the admin API is enabled")
		}
	}

	if c.DatabaseConfig.Enabled && c.DatabaseConfig.URL == "" {
		return fmt.Errorf("database.url is required when the database is enabled")
	}

	return nil
}

// CallTimeout returns the exchange call timeout as a duration.
func (c ExchangeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
