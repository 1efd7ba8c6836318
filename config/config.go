package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	EngineConfig      EngineConfig      `json:"engine"`
	SourcesConfig     SourcesConfig     `json:"sources"`
	ConsensusConfig   ConsensusConfig   `json:"consensus"`
	CalibrationConfig CalibrationConfig `json:"calibration"`
	RiskConfig        RiskConfig        `json:"risk"`
	SizingConfig      SizingConfig      `json:"sizing"`
	ExecutionConfig   ExecutionConfig   `json:"execution"`
	MonitorConfig     MonitorConfig     `json:"monitor"`
	BacktestConfig    BacktestConfig    `json:"backtest"`
	BrokerConfig      BrokerConfig      `json:"broker"`
	SyncConfig        SyncConfig        `json:"sync"`
	ServerConfig      ServerConfig      `json:"server"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	VaultConfig       VaultConfig       `json:"vault"`
	LoggingConfig     LoggingConfig     `json:"logging"`
	CircuitConfig     CircuitConfig     `json:"circuit_breaker"`
}

// EngineConfig drives the live signal generation loop
type EngineConfig struct {
	Symbols       []string `json:"symbols"`
	CycleInterval int      `json:"cycle_interval"`  // Seconds between generation cycles
	WorkerCount   int      `json:"worker_count"`    // Concurrent symbol pipelines
	MaxAPIPerSec  float64  `json:"max_api_per_sec"` // External API call budget
}

// SourceConfig describes one data source adapter
type SourceConfig struct {
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`  // Reliability weight for consensus voting
	TTL     int     `json:"ttl"`     // Seconds before a vote is considered stale
	Timeout int     `json:"timeout"` // Per-fetch timeout in seconds
}

type SourcesConfig struct {
	Sources   []SourceConfig `json:"sources"`
	StreamURL string         `json:"stream_url"` // Websocket tick stream endpoint
}

type ConsensusConfig struct {
	MinAdapters   int     `json:"min_adapters"`   // Below this, no signal is produced
	MinConfidence float64 `json:"min_confidence"` // Clamp floor (avoids single-source certainty)
	MaxConfidence float64 `json:"max_confidence"` // Clamp ceiling
}

type CalibrationConfig struct {
	BucketSize float64 `json:"bucket_size"` // Confidence bucket width in points
	WindowSize int     `json:"window_size"` // Trailing outcomes per bucket
	MinSamples int     `json:"min_samples"` // Below this a bucket is uncalibrated
}

// RiskConfig holds the layered risk gate configuration
type RiskConfig struct {
	MaxDailyLossPercent   float64            `json:"max_daily_loss_percent"`
	MaxDrawdownPercent    float64            `json:"max_drawdown_percent"`
	MaxOpenPositions      int                `json:"max_open_positions"`
	MaxPerCorrelatedGroup int                `json:"max_per_correlated_group"`
	CorrelatedGroups      map[string]string  `json:"correlated_groups"` // symbol -> group name
	MinConfidence         float64            `json:"min_confidence"`    // Global confidence floor
	SymbolMinConfidence   map[string]float64 `json:"symbol_min_confidence"`
	RegimeMinConfidence   map[string]float64 `json:"regime_min_confidence"`
}

type SizingConfig struct {
	BasePercent             float64 `json:"base_percent"`              // Base position size as % of equity
	MinPercent              float64 `json:"min_percent"`               // Hard floor as % of equity
	MaxPercent              float64 `json:"max_percent"`               // Hard ceiling as % of equity
	HighConfidenceThreshold float64 `json:"high_confidence_threshold"` // Above this, size is boosted
	HighConfidenceBoost     float64 `json:"high_confidence_boost"`     // Multiplier applied above threshold
	VolatilityBaseline      float64 `json:"volatility_baseline"`       // Realized vol considered "normal"
}

type ExecutionConfig struct {
	MaxRetries     int `json:"max_retries"`
	InitialBackoff int `json:"initial_backoff"` // Milliseconds
	MaxBackoff     int `json:"max_backoff"`     // Milliseconds
}

type MonitorConfig struct {
	PollInterval       int    `json:"poll_interval"`        // Seconds between position polls
	MinHoldingPeriod   int    `json:"min_holding_period"`   // Seconds before ordinary exits allowed
	HoldingPeriodScope string `json:"holding_period_scope"` // "per_symbol" or "global"
	ReconcileInterval  int    `json:"reconcile_interval"`   // Seconds between broker reconciliations
}

type BacktestConfig struct {
	InitialCapital float64 `json:"initial_capital"`
	WarmupBars     int     `json:"warmup_bars"` // Bars consumed before signals are generated
}

type BrokerConfig struct {
	APIKey       string  `json:"api_key"`
	SecretKey    string  `json:"secret_key"`
	BaseURL      string  `json:"base_url"`
	PaperMode    bool    `json:"paper_mode"`    // Simulated fills, no live brokerage
	PaperBalance float64 `json:"paper_balance"` // Starting equity for simulated fills
}

// SyncConfig configures the authenticated signal push to the distribution layer
type SyncConfig struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint"`
	SharedSecret string `json:"shared_secret"`
	MaxRetries   int    `json:"max_retries"`
	Timeout      int    `json:"timeout"` // Seconds
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for market data caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

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
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type CircuitConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker credentials may also come from Vault; environment values win for
// local development only.
func applyEnvOverrides(cfg *Config) {
	// Engine config
	if symbols := getEnvOrDefault("ENGINE_SYMBOLS", ""); symbols != "" {
		cfg.EngineConfig.Symbols = strings.Split(symbols, ",")
	}
	cfg.EngineConfig.CycleInterval = getEnvIntOrDefault("ENGINE_CYCLE_INTERVAL", cfg.EngineConfig.CycleInterval)
	cfg.EngineConfig.WorkerCount = getEnvIntOrDefault("ENGINE_WORKER_COUNT", cfg.EngineConfig.WorkerCount)

	// Broker config
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.PaperMode = getEnvOrDefault("BROKER_PAPER_MODE", boolString(cfg.BrokerConfig.PaperMode)) == "true"

	// Sync config
	cfg.SyncConfig.Enabled = getEnvOrDefault("SYNC_ENABLED", boolString(cfg.SyncConfig.Enabled)) == "true"
	cfg.SyncConfig.Endpoint = getEnvOrDefault("SYNC_ENDPOINT", cfg.SyncConfig.Endpoint)
	cfg.SyncConfig.SharedSecret = getEnvOrDefault("SYNC_SHARED_SECRET", cfg.SyncConfig.SharedSecret)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
}

// applyDefaults fills zero values with safe defaults
func applyDefaults(cfg *Config) {
	if cfg.EngineConfig.CycleInterval == 0 {
		cfg.EngineConfig.CycleInterval = 5
	}
	if cfg.EngineConfig.WorkerCount == 0 {
		cfg.EngineConfig.WorkerCount = 4
	}
	if cfg.EngineConfig.MaxAPIPerSec == 0 {
		cfg.EngineConfig.MaxAPIPerSec = 10
	}
	if cfg.ConsensusConfig.MinAdapters == 0 {
		cfg.ConsensusConfig.MinAdapters = 2
	}
	if cfg.ConsensusConfig.MinConfidence == 0 {
		cfg.ConsensusConfig.MinConfidence = 50
	}
	if cfg.ConsensusConfig.MaxConfidence == 0 {
		cfg.ConsensusConfig.MaxConfidence = 99
	}
	if cfg.CalibrationConfig.BucketSize == 0 {
		cfg.CalibrationConfig.BucketSize = 5
	}
	if cfg.CalibrationConfig.WindowSize == 0 {
		cfg.CalibrationConfig.WindowSize = 200
	}
	if cfg.CalibrationConfig.MinSamples == 0 {
		cfg.CalibrationConfig.MinSamples = 20
	}
	if cfg.RiskConfig.MaxDailyLossPercent == 0 {
		cfg.RiskConfig.MaxDailyLossPercent = 3.0
	}
	if cfg.RiskConfig.MaxDrawdownPercent == 0 {
		cfg.RiskConfig.MaxDrawdownPercent = 10.0
	}
	if cfg.RiskConfig.MaxOpenPositions == 0 {
		cfg.RiskConfig.MaxOpenPositions = 5
	}
	if cfg.RiskConfig.MaxPerCorrelatedGroup == 0 {
		cfg.RiskConfig.MaxPerCorrelatedGroup = 2
	}
	if cfg.RiskConfig.MinConfidence == 0 {
		cfg.RiskConfig.MinConfidence = 75
	}
	if cfg.SizingConfig.BasePercent == 0 {
		cfg.SizingConfig.BasePercent = 2.0
	}
	if cfg.SizingConfig.MinPercent == 0 {
		cfg.SizingConfig.MinPercent = 0.5
	}
	if cfg.SizingConfig.MaxPercent == 0 {
		cfg.SizingConfig.MaxPercent = 5.0
	}
	if cfg.SizingConfig.HighConfidenceThreshold == 0 {
		cfg.SizingConfig.HighConfidenceThreshold = 88
	}
	if cfg.SizingConfig.HighConfidenceBoost == 0 {
		cfg.SizingConfig.HighConfidenceBoost = 1.25
	}
	if cfg.SizingConfig.VolatilityBaseline == 0 {
		cfg.SizingConfig.VolatilityBaseline = 0.02
	}
	if cfg.ExecutionConfig.MaxRetries == 0 {
		cfg.ExecutionConfig.MaxRetries = 3
	}
	if cfg.ExecutionConfig.InitialBackoff == 0 {
		cfg.ExecutionConfig.InitialBackoff = 500
	}
	if cfg.ExecutionConfig.MaxBackoff == 0 {
		cfg.ExecutionConfig.MaxBackoff = 10000
	}
	if cfg.MonitorConfig.PollInterval == 0 {
		cfg.MonitorConfig.PollInterval = 5
	}
	if cfg.MonitorConfig.MinHoldingPeriod == 0 {
		cfg.MonitorConfig.MinHoldingPeriod = 300
	}
	if cfg.MonitorConfig.HoldingPeriodScope == "" {
		cfg.MonitorConfig.HoldingPeriodScope = "per_symbol"
	}
	if cfg.MonitorConfig.ReconcileInterval == 0 {
		cfg.MonitorConfig.ReconcileInterval = 60
	}
	if cfg.BacktestConfig.InitialCapital == 0 {
		cfg.BacktestConfig.InitialCapital = 10000
	}
	if cfg.BacktestConfig.WarmupBars == 0 {
		cfg.BacktestConfig.WarmupBars = 50
	}
	if cfg.BrokerConfig.PaperBalance == 0 {
		cfg.BrokerConfig.PaperBalance = 10000
	}
	if cfg.SyncConfig.MaxRetries == 0 {
		cfg.SyncConfig.MaxRetries = 5
	}
	if cfg.SyncConfig.Timeout == 0 {
		cfg.SyncConfig.Timeout = 10
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "consensus-bot/broker-keys"
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.CircuitConfig.MaxLossPerHour == 0 {
		cfg.CircuitConfig.MaxLossPerHour = 3.0
	}
	if cfg.CircuitConfig.MaxConsecutiveLosses == 0 {
		cfg.CircuitConfig.MaxConsecutiveLosses = 5
	}
	if cfg.CircuitConfig.CooldownMinutes == 0 {
		cfg.CircuitConfig.CooldownMinutes = 30
	}
	if cfg.CircuitConfig.MaxDailyLoss == 0 {
		cfg.CircuitConfig.MaxDailyLoss = 5.0
	}
	if len(cfg.SourcesConfig.Sources) == 0 {
		cfg.SourcesConfig.Sources = []SourceConfig{
			{Name: "trend", Enabled: true, Weight: 0.35, TTL: 60, Timeout: 10},
			{Name: "momentum", Enabled: true, Weight: 0.25, TTL: 60, Timeout: 10},
			{Name: "volume", Enabled: true, Weight: 0.20, TTL: 60, Timeout: 10},
			{Name: "pattern", Enabled: true, Weight: 0.20, TTL: 60, Timeout: 10},
		}
	}
}

// Validate rejects configurations that would produce unsafe trading behavior
func (c *Config) Validate() error {
	if c.SizingConfig.MinPercent > c.SizingConfig.MaxPercent {
		return fmt.Errorf("sizing: min_percent (%.2f) exceeds max_percent (%.2f)",
			c.SizingConfig.MinPercent, c.SizingConfig.MaxPercent)
	}
	if c.ConsensusConfig.MinConfidence >= c.ConsensusConfig.MaxConfidence {
		return fmt.Errorf("consensus: min_confidence (%.1f) must be below max_confidence (%.1f)",
			c.ConsensusConfig.MinConfidence, c.ConsensusConfig.MaxConfidence)
	}
	if c.RiskConfig.MaxDrawdownPercent <= 0 || c.RiskConfig.MaxDrawdownPercent >= 100 {
		return fmt.Errorf("risk: max_drawdown_percent (%.1f) must be in (0, 100)", c.RiskConfig.MaxDrawdownPercent)
	}
	scope := c.MonitorConfig.HoldingPeriodScope
	if scope != "per_symbol" && scope != "global" {
		return fmt.Errorf("monitor: holding_period_scope must be per_symbol or global, got %q", scope)
	}
	totalWeight := 0.0
	for _, src := range c.SourcesConfig.Sources {
		if src.Enabled {
			totalWeight += src.Weight
		}
	}
	if totalWeight <= 0 {
		return fmt.Errorf("sources: no enabled sources with positive weight")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
