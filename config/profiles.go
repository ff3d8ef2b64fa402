package config

import (
	"fmt"
	"time"
)

// LoadProfile returns the built-in configuration for a deployment profile,
// overlaid with environment variables and validated.
func LoadProfile(name string) (*Config, error) {
	build, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	cfg := DefaultConfig()
	build(cfg)
	cfg.Profile = name

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for profile %s: %w", name, err)
	}
	return cfg, nil
}

var profiles = map[string]func(*Config){
	"development": func(c *Config) {
		c.Environment = EnvDevelopment
		c.Logging.Level = "debug"
		c.Logging.Format = "text"
	},
	"testing": func(c *Config) {
		c.Environment = EnvTesting
		c.Logging.Level = "warn"
		c.Bus.PublishTimeout = 500 * time.Millisecond
		c.Bus.BreakerCooldown = time.Second
	},
	"staging": func(c *Config) {
		c.Environment = EnvStaging
		c.Storage.Adapter = "redis"
		c.Broker.Adapter = "redis"
		c.AntiAbuse.Store = "redis"
		c.Metrics.Enabled = true
	},
	"production": func(c *Config) {
		c.Environment = EnvProduction
		c.Server.CORSOrigin = ""
		c.Storage.Adapter = "redis"
		c.Broker.Adapter = "redis"
		c.AntiAbuse.Store = "redis"
		c.Metrics.Enabled = true
		c.Security.EnableRateLimit = true
		c.Security.RateLimit.RequestsPerMinute = 600
		c.Security.RateLimit.BurstSize = 50
	},
}
