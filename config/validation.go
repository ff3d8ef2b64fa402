package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"engagekit/adapters/sqlx"
	"engagekit/engine"
	"engagekit/points"
)

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(field, value string, valid ...string) string {
	if slices.Contains(valid, value) {
		return ""
	}
	return fmt.Sprintf("%s must be one of: %s", field, strings.Join(valid, ", "))
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}
	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}
	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	return joinErrs(errs)
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	if msg := oneOf("adapter", s.Adapter, "memory", "redis", "sql", "file"); msg != "" {
		errs = append(errs, msg)
	}

	switch s.Adapter {
	case "file":
		if err := s.File.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("file config: %v", err))
		}
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "redis.addr cannot be empty")
		}
	case "sql":
		if msg := oneOf("sql.driver", string(s.SQL.Driver),
			string(sqlx.DriverPostgres), string(sqlx.DriverPgx), string(sqlx.DriverMySQL), string(sqlx.DriverSQLite)); msg != "" {
			errs = append(errs, msg)
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql.dsn cannot be empty")
		}
	}

	return joinErrs(errs)
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

func (b *BrokerConfig) Validate() error {
	var errs []string
	if msg := oneOf("adapter", b.Adapter, "memory", "redis"); msg != "" {
		errs = append(errs, msg)
	}
	if b.Adapter == "redis" && b.Redis.Addr == "" {
		errs = append(errs, "redis.addr cannot be empty")
	}
	return joinErrs(errs)
}

func validateBus(c engine.Config) error {
	var errs []string
	if c.ChannelPrefix == "" {
		errs = append(errs, "channel_prefix cannot be empty")
	}
	if c.PublishTimeout <= 0 {
		errs = append(errs, "publish_timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, "max_attempts must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, "breaker_threshold must be at least 1")
	}
	return joinErrs(errs)
}

// Validate checks thresholds; the escalation ladder must put penalties before
// cooldowns.
func (a *AntiAbuseConfig) Validate() error {
	var errs []string
	if msg := oneOf("store", a.Store, "memory", "redis"); msg != "" {
		errs = append(errs, msg)
	}
	if a.ActionLimit <= 0 {
		errs = append(errs, "action_limit must be positive")
	}
	if a.ActionWindow <= 0 {
		errs = append(errs, "action_window must be positive")
	}
	for action, n := range a.ActionLimits {
		if n <= 0 {
			errs = append(errs, fmt.Sprintf("action_limits[%s] must be positive", action))
		}
	}
	if a.PenaltyFactor <= 0 || a.PenaltyFactor > 1 {
		errs = append(errs, "penalty_factor must be in (0, 1]")
	}
	if a.CooldownAfter < a.PenaltyAfter {
		errs = append(errs, "cooldown_after must not be below penalty_after")
	}
	return joinErrs(errs)
}

func validatePoints(c points.Config) error {
	var errs []string
	if c.VIPFactor < 1 {
		errs = append(errs, "vip_factor must be at least 1")
	}
	if c.LevelCap < 1 {
		errs = append(errs, "level_cap must be at least 1")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, "node_id must be between 0 and 1023")
	}
	if c.MaxCommitRetries < 1 {
		errs = append(errs, "max_commit_retries must be at least 1")
	}
	for i, tier := range c.StreakTiers {
		if tier.MinDays <= 0 || tier.Factor < 1 {
			errs = append(errs, fmt.Sprintf("streak_tiers[%d] needs min_days > 0 and factor >= 1", i))
		}
	}
	return joinErrs(errs)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s *StreaksConfig) Validate() error {
	var errs []string
	if s.GraceDays < 0 {
		errs = append(errs, "grace_days cannot be negative")
	}
	if s.BonusPerDay < 0 {
		errs = append(errs, "bonus_per_day cannot be negative")
	}
	if s.MaxFreezes < 0 {
		errs = append(errs, "max_freezes cannot be negative")
	}
	for i, m := range s.Milestones {
		if m <= 0 {
			errs = append(errs, fmt.Sprintf("milestones[%d] must be positive", i))
		}
	}
	if _, err := s.Engine(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := cronParser.Parse(s.ExpireCron); err != nil {
		errs = append(errs, fmt.Sprintf("expire_cron: %v", err))
	}
	return joinErrs(errs)
}

func (l *LeaderboardConfig) Validate() error {
	var errs []string
	if l.TopWindow <= 0 {
		errs = append(errs, "top_window must be positive")
	}
	if _, err := cronParser.Parse(l.WeeklyReset); err != nil {
		errs = append(errs, fmt.Sprintf("weekly_reset_cron: %v", err))
	}
	return joinErrs(errs)
}

func (w *WebhookConfig) Validate() error {
	var errs []string
	for i, ep := range w.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an http(s) URL", i))
		}
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	return joinErrs(errs)
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	if msg := oneOf("level", l.Level, "debug", "info", "warn", "error"); msg != "" {
		errs = append(errs, msg)
	}
	if msg := oneOf("format", l.Format, "json", "text"); msg != "" {
		errs = append(errs, msg)
	}
	if msg := oneOf("output", l.Output, "stdout", "stderr"); msg != "" {
		errs = append(errs, msg)
	}

	return joinErrs(errs)
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var errs []string

	if m.Enabled {
		if m.Address == "" {
			errs = append(errs, "address cannot be empty when metrics are enabled")
		}
		if m.Path == "" {
			errs = append(errs, "path cannot be empty when metrics are enabled")
		}
	}

	return joinErrs(errs)
}

func (t *TracingConfig) Validate() error {
	if t.Endpoint == "" {
		return nil
	}
	var errs []string
	if t.ServiceName == "" {
		errs = append(errs, "service_name cannot be empty when tracing is enabled")
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, "sample_ratio must be between 0 and 1")
	}
	return joinErrs(errs)
}

// Validate validates security settings.
func (s SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	return joinErrs(errs)
}
