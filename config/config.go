package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"engagekit/adapters/redis"
	"engagekit/adapters/sqlx"
	"engagekit/antiabuse"
	"engagekit/engine"
	"engagekit/points"
	"engagekit/streaks"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration. Every field can be
// overridden from the environment with the ENGAGEKIT_ prefix, for example
// ENGAGEKIT_STORAGE_REDIS_ADDR or ENGAGEKIT_ANTIABUSE_ACTION_LIMIT.
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" env:"ENV"`
	Profile     string      `json:"profile" env:"PROFILE"`

	Server      ServerConfig      `json:"server" envPrefix:"SERVER_"`
	Storage     StorageConfig     `json:"storage" envPrefix:"STORAGE_"`
	Broker      BrokerConfig      `json:"broker" envPrefix:"BROKER_"`
	Bus         engine.Config     `json:"bus" envPrefix:"BUS_"`
	AntiAbuse   AntiAbuseConfig   `json:"antiabuse" envPrefix:"ANTIABUSE_"`
	Points      points.Config     `json:"points" envPrefix:"POINTS_"`
	Streaks     StreaksConfig     `json:"streaks" envPrefix:"STREAKS_"`
	Leaderboard LeaderboardConfig `json:"leaderboard" envPrefix:"LEADERBOARD_"`
	Webhooks    WebhookConfig     `json:"webhooks" envPrefix:"WEBHOOKS_"`
	Logging     LoggingConfig     `json:"logging" envPrefix:"LOG_"`
	Metrics     MetricsConfig     `json:"metrics" envPrefix:"METRICS_"`
	Tracing     TracingConfig     `json:"tracing" envPrefix:"TRACING_"`
	Security    SecurityConfig    `json:"security" envPrefix:"SECURITY_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects the points ledger backend.
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" envPrefix:"REDIS_"`
	SQL     sqlx.Config  `json:"sql,omitempty" envPrefix:"SQL_"`
	File    FileConfig   `json:"file,omitempty" envPrefix:"FILE_"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" env:"PATH"`
}

// BrokerConfig selects the event bus transport. The redis broker uses its
// own connection settings so the ledger and pub/sub can live apart.
type BrokerConfig struct {
	Adapter string       `json:"adapter" env:"ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" envPrefix:"REDIS_"`
}

// AntiAbuseConfig holds validator thresholds and where its counters live.
// The redis store reuses the storage Redis connection.
type AntiAbuseConfig struct {
	Store         string `json:"store" env:"STORE"`
	MemoryEntries int    `json:"memory_entries" env:"MEMORY_ENTRIES"`
	antiabuse.Config
}

// StreaksConfig mirrors streaks.Config with the day boundary as a zone name.
type StreaksConfig struct {
	GraceDays   int    `json:"grace_days" env:"GRACE_DAYS"`
	Milestones  []int  `json:"milestones" env:"MILESTONES" envSeparator:","`
	BonusPerDay int64  `json:"bonus_per_day" env:"BONUS_PER_DAY"`
	MaxFreezes  int    `json:"max_freezes" env:"MAX_FREEZES"`
	Timezone    string `json:"timezone" env:"TIMEZONE"`
	ExpireCron  string `json:"expire_cron" env:"EXPIRE_CRON"`
}

// Engine converts to the streak engine's config.
func (s StreaksConfig) Engine() (streaks.Config, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return streaks.Config{}, fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	return streaks.Config{
		GraceDays:   s.GraceDays,
		Milestones:  append([]int(nil), s.Milestones...),
		BonusPerDay: s.BonusPerDay,
		MaxFreezes:  s.MaxFreezes,
		Location:    loc,
	}, nil
}

type LeaderboardConfig struct {
	TopWindow   int    `json:"top_window" env:"TOP_WINDOW"`
	WeeklyReset string `json:"weekly_reset_cron" env:"WEEKLY_RESET_CRON"`
}

// WebhookConfig lists endpoints that receive every bus event.
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints,omitempty" env:"ENDPOINTS"`
	Secret    string        `json:"-" env:"SECRET"`
	Timeout   time.Duration `json:"timeout" env:"TIMEOUT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"LEVEL"`
	Format     string            `json:"format" env:"FORMAT"`
	Output     string            `json:"output" env:"OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" env:"ATTRIBUTES"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" env:"ENABLED"`
	Address   string `json:"address" env:"ADDR"`
	Path      string `json:"path" env:"PATH"`
	Namespace string `json:"namespace" env:"NAMESPACE"`
}

// TracingConfig enables OTLP/HTTP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint" env:"ENDPOINT"`
	ServiceName string  `json:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" env:"SAMPLE_RATIO"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" envPrefix:"RATE_LIMIT_"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" env:"RPM"`
	BurstSize         int `json:"burst_size" env:"BURST"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	streak := streaks.DefaultConfig()
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File: FileConfig{
				Path: "./data/engagekit.json",
			},
		},
		Broker: BrokerConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
		},
		Bus: engine.DefaultConfig(),
		AntiAbuse: AntiAbuseConfig{
			Store:         "memory",
			MemoryEntries: 100_000,
			Config:        antiabuse.DefaultConfig(),
		},
		Points: points.DefaultConfig(),
		Streaks: StreaksConfig{
			GraceDays:   streak.GraceDays,
			Milestones:  streak.Milestones,
			BonusPerDay: streak.BonusPerDay,
			MaxFreezes:  streak.MaxFreezes,
			Timezone:    "UTC",
			ExpireCron:  "5 0 * * *",
		},
		Leaderboard: LeaderboardConfig{
			TopWindow:   10,
			WeeklyReset: "0 0 * * 1",
		},
		Webhooks: WebhookConfig{
			Timeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "engagekit",
		},
		Tracing: TracingConfig{
			ServiceName: "engagekit",
			SampleRatio: 1,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
			APIKeys: []string{},
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	sections := []struct {
		name string
		err  error
	}{
		{"server config", c.Server.Validate()},
		{"storage config", c.Storage.Validate()},
		{"broker config", c.Broker.Validate()},
		{"bus config", validateBus(c.Bus)},
		{"antiabuse config", c.AntiAbuse.Validate()},
		{"points config", validatePoints(c.Points)},
		{"streaks config", c.Streaks.Validate()},
		{"leaderboard config", c.Leaderboard.Validate()},
		{"webhooks config", c.Webhooks.Validate()},
		{"logging config", c.Logging.Validate()},
		{"metrics config", c.Metrics.Validate()},
		{"tracing config", c.Tracing.Validate()},
		{"security config", c.Security.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.name, s.err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
