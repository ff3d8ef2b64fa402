package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"engagekit/adapters/jsonfile"
	mem "engagekit/adapters/memory"
	redisAdapter "engagekit/adapters/redis"
	sqlxAdapter "engagekit/adapters/sqlx"
	"engagekit/antiabuse"
	"engagekit/api/httpapi"
	"engagekit/config"
	"engagekit/engage"
	"engagekit/engine"
	"engagekit/integrations/webhook"
	"engagekit/metrics"
	"engagekit/points"
	"engagekit/realtime"
)

// Flags carries command line selections into the provider graph.
type Flags struct {
	ConfigPath string
	Profile    string
}

// App aggregates the assembled server components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	System    *engage.System
	Metrics   *metrics.Collector
	Handler   http.Handler
	Server    *http.Server
	Scheduler *cron.Cron
}

// Backends are the storage and transport adapters chosen by configuration.
type Backends struct {
	Broker     engine.Broker
	Ledger     points.Ledger
	AbuseStore antiabuse.Store
}

func provideConfig(ctx context.Context, flags Flags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case flags.ConfigPath != "":
		cfg, err = config.LoadFromFile(flags.ConfigPath)
	case flags.Profile != "":
		cfg, err = config.LoadProfile(flags.Profile)
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	config.LoadSecretsFromEnv(ctx, cfg, config.NewEnvironmentSecretStore())
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideMetrics(cfg *config.Config) *metrics.Collector {
	return metrics.NewCollector(cfg.Metrics.Namespace)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

// provideTracer installs an OTLP/HTTP exporter when an endpoint is configured.
// Without one the bus keeps its no-op tracer.
func provideTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(), error) {
	if cfg.Tracing.Endpoint == "" {
		return nil, func() {}, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Tracing.Endpoint))
	if err != nil {
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.Tracing.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("otel resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	cleanup := func() { _ = tp.Shutdown(context.Background()) }
	return tp.Tracer("engagekit"), cleanup, nil
}

func provideBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	fail := func(err error) (*Backends, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// One client serves both the ledger and the abuse counters.
	var shared *goredis.Client
	redisClient := func() (*goredis.Client, error) {
		if shared != nil {
			return shared, nil
		}
		c, err := redisAdapter.NewClient(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		shared = c
		closers = append(closers, c.Close)
		return c, nil
	}

	b := &Backends{}
	switch cfg.Storage.Adapter {
	case "memory":
		b.Ledger = mem.NewLedger()
	case "redis":
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		b.Ledger = redisAdapter.NewLedger(c)
	case "sql":
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, s.Close)
		b.Ledger = s
	case "file":
		l, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return fail(err)
		}
		b.Ledger = l
	default:
		return fail(fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter))
	}

	switch cfg.AntiAbuse.Store {
	case "redis":
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		b.AbuseStore = redisAdapter.NewCounterStore(c)
	default:
		b.AbuseStore = antiabuse.NewMemoryStore(cfg.AntiAbuse.MemoryEntries, 0)
	}

	switch cfg.Broker.Adapter {
	case "redis":
		broker, err := redisAdapter.DialBroker(cfg.Broker.Redis, logger)
		if err != nil {
			return fail(err)
		}
		b.Broker = broker
	default:
		b.Broker = mem.NewBroker()
	}
	logger.InfoContext(ctx, "backends ready",
		"storage", cfg.Storage.Adapter, "broker", cfg.Broker.Adapter, "abuse_store", cfg.AntiAbuse.Store)
	return b, cleanup, nil
}

func provideSystem(cfg *config.Config, logger *slog.Logger, backends *Backends, hub *realtime.Hub, m *metrics.Collector, tracer trace.Tracer) (*engage.System, error) {
	streakCfg, err := cfg.Streaks.Engine()
	if err != nil {
		return nil, err
	}
	opts := []engage.Option{
		engage.WithBroker(backends.Broker),
		engage.WithLedger(backends.Ledger),
		engage.WithAbuseStore(backends.AbuseStore),
		engage.WithDispatchMode(engine.DispatchAsync),
		engage.WithBusConfig(cfg.Bus),
		engage.WithPointsConfig(cfg.Points),
		engage.WithAbuseConfig(cfg.AntiAbuse.Config),
		engage.WithStreakConfig(streakCfg),
		engage.WithTopWindow(cfg.Leaderboard.TopWindow),
		engage.WithRealtime(hub),
		engage.WithMetrics(m),
		engage.WithLogger(logger),
	}
	if tracer != nil {
		opts = append(opts, engage.WithTracer(tracer))
	}
	if len(cfg.Webhooks.Endpoints) > 0 {
		sink := webhook.New(cfg.Webhooks.Endpoints,
			webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
			webhook.WithSecret(cfg.Webhooks.Secret))
		opts = append(opts, engage.WithHandler("gamification.*", sink))
	}
	return engage.New(opts...)
}

func provideHandler(sys *engage.System, m *metrics.Collector, cfg *config.Config) http.Handler {
	svc := httpapi.Services{
		Points:       sys.Points,
		Bus:          sys.Bus,
		Validator:    sys.Validator,
		Achievements: sys.Achievements,
		Streaks:      sys.Streaks,
		Leaderboards: sys.Leaderboards,
		Hub:          sys.Hub,
		Logger:       sys.Logger,
	}
	// metrics get their own listener when enabled
	if !cfg.Metrics.Enabled {
		svc.Metrics = m
	}
	return httpapi.NewMux(svc, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// provideScheduler registers the periodic jobs: expiring stale streaks and
// resetting the weekly leaderboard. The caller starts and stops it.
func provideScheduler(cfg *config.Config, sys *engage.System, logger *slog.Logger) (*cron.Cron, error) {
	streakCfg, err := cfg.Streaks.Engine()
	if err != nil {
		return nil, err
	}
	c := cron.New(cron.WithLocation(streakCfg.Location), cron.WithChain(cron.Recover(cronLogger{logger})))
	if _, err := c.AddFunc(cfg.Streaks.ExpireCron, func() {
		n := sys.Streaks.ExpireStale(context.Background(), time.Now())
		logger.Info("expired stale streaks", "count", n)
	}); err != nil {
		return nil, fmt.Errorf("expire cron: %w", err)
	}
	if _, err := c.AddFunc(cfg.Leaderboard.WeeklyReset, func() {
		n := sys.Leaderboards.ResetWeekly()
		logger.Info("weekly leaderboard reset", "entries", n)
	}); err != nil {
		return nil, fmt.Errorf("weekly reset cron: %w", err)
	}
	return c, nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler).With("environment", string(cfg.Environment))
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}
