// Package engage assembles the event bus and the engagement engines into a
// running system with sensible in-memory defaults.
package engage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	mem "engagekit/adapters/memory"
	"engagekit/achievements"
	"engagekit/antiabuse"
	"engagekit/engine"
	"engagekit/leaderboard"
	"engagekit/metrics"
	"engagekit/points"
	"engagekit/realtime"
	"engagekit/streaks"
)

// Option configures the System builder.
type Option func(*config)

type hook struct {
	pattern string
	handler engine.Handler
}

type config struct {
	broker     engine.Broker
	ledger     points.Ledger
	abuseStore antiabuse.Store
	profiles   points.ProfileProvider
	mode       engine.DispatchMode
	busCfg     engine.Config
	pointsCfg  points.Config
	abuseCfg   antiabuse.Config
	streakCfg  streaks.Config
	catalog    []achievements.Achievement
	topWindow  int
	hub        *realtime.Hub
	hooks      []hook
	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// WithBroker sets the bus transport (defaults to the in-process broker).
func WithBroker(b engine.Broker) Option { return func(c *config) { c.broker = b } }

// WithLedger sets the points persistence adapter.
func WithLedger(l points.Ledger) Option { return func(c *config) { c.ledger = l } }

// WithAbuseStore sets where anti-abuse counters live.
func WithAbuseStore(s antiabuse.Store) Option { return func(c *config) { c.abuseStore = s } }

// WithProfiles supplies VIP status and levels for multipliers.
func WithProfiles(p points.ProfileProvider) Option { return func(c *config) { c.profiles = p } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

func WithBusConfig(cfg engine.Config) Option          { return func(c *config) { c.busCfg = cfg } }
func WithPointsConfig(cfg points.Config) Option       { return func(c *config) { c.pointsCfg = cfg } }
func WithAbuseConfig(cfg antiabuse.Config) Option     { return func(c *config) { c.abuseCfg = cfg } }
func WithStreakConfig(cfg streaks.Config) Option      { return func(c *config) { c.streakCfg = cfg } }
func WithCatalog(a []achievements.Achievement) Option { return func(c *config) { c.catalog = a } }
func WithTopWindow(n int) Option                      { return func(c *config) { c.topWindow = n } }

// WithRealtime wires a realtime hub to receive all bus events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithHandler subscribes an extra handler, such as a webhook sink.
func WithHandler(pattern string, h engine.Handler) Option {
	return func(c *config) { c.hooks = append(c.hooks, hook{pattern: pattern, handler: h}) }
}

func WithMetrics(m *metrics.Collector) Option { return func(c *config) { c.metrics = m } }
func WithTracer(t trace.Tracer) Option        { return func(c *config) { c.tracer = t } }
func WithClock(now func() time.Time) Option   { return func(c *config) { c.now = now } }
func WithLogger(l *slog.Logger) Option        { return func(c *config) { c.logger = l } }

// System is a wired engagement stack. Engines talk to each other only through
// the bus, except the streak engine which awards bonuses through Points.
type System struct {
	Bus          *engine.EventBus
	Broker       engine.Broker
	Validator    *antiabuse.Validator
	Points       *points.Engine
	Achievements *achievements.Engine
	Streaks      *streaks.Engine
	Leaderboards *leaderboard.Engine
	Hub          *realtime.Hub
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// New builds a System. If not provided, defaults are used:
//   - broker, ledger and abuse counters: in-memory
//   - dispatch: async
//   - configs: each package's DefaultConfig
func New(opts ...Option) (*System, error) {
	cfg := &config{
		mode:      engine.DispatchAsync,
		busCfg:    engine.DefaultConfig(),
		pointsCfg: points.DefaultConfig(),
		abuseCfg:  antiabuse.DefaultConfig(),
		streakCfg: streaks.DefaultConfig(),
		topWindow: 10,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.broker == nil {
		cfg.broker = mem.NewBroker()
	}
	if cfg.ledger == nil {
		cfg.ledger = mem.NewLedger()
	}
	if cfg.abuseStore == nil {
		cfg.abuseStore = antiabuse.NewMemoryStore(0, 0)
	}

	busOpts := []engine.Option{
		engine.WithConfig(cfg.busCfg),
		engine.WithDispatchMode(cfg.mode),
		engine.WithMetrics(cfg.metrics),
		engine.WithLogger(cfg.logger),
	}
	if cfg.tracer != nil {
		busOpts = append(busOpts, engine.WithTracer(cfg.tracer))
	}
	bus := engine.NewEventBus(cfg.broker, busOpts...)

	abuseOpts := []antiabuse.Option{
		antiabuse.WithConfig(cfg.abuseCfg),
		antiabuse.WithMetrics(cfg.metrics),
		antiabuse.WithLogger(cfg.logger),
		antiabuse.WithPublisher(bus),
	}
	streakOpts := []streaks.Option{
		streaks.WithConfig(cfg.streakCfg),
		streaks.WithPublisher(bus),
		streaks.WithLogger(cfg.logger),
	}
	achOpts := []achievements.Option{
		achievements.WithPublisher(bus),
		achievements.WithLogger(cfg.logger),
	}
	boardOpts := []leaderboard.Option{
		leaderboard.WithPublisher(bus),
		leaderboard.WithTopWindow(cfg.topWindow),
		leaderboard.WithLogger(cfg.logger),
	}
	if cfg.catalog != nil {
		achOpts = append(achOpts, achievements.WithCatalog(cfg.catalog))
	}
	if cfg.now != nil {
		abuseOpts = append(abuseOpts, antiabuse.WithClock(cfg.now))
		streakOpts = append(streakOpts, streaks.WithClock(cfg.now))
		achOpts = append(achOpts, achievements.WithClock(cfg.now))
		boardOpts = append(boardOpts, leaderboard.WithClock(cfg.now))
	}

	validator := antiabuse.New(cfg.abuseStore, abuseOpts...)
	streakEngine := streaks.New(streakOpts...)

	pointsOpts := []points.Option{
		points.WithConfig(cfg.pointsCfg),
		points.WithValidator(validator),
		points.WithStreaks(streakEngine),
		points.WithPublisher(bus),
		points.WithMetrics(cfg.metrics),
		points.WithLogger(cfg.logger),
	}
	if cfg.profiles != nil {
		pointsOpts = append(pointsOpts, points.WithProfiles(cfg.profiles))
	}
	if cfg.now != nil {
		pointsOpts = append(pointsOpts, points.WithClock(cfg.now))
	}
	pts, err := points.New(cfg.ledger, pointsOpts...)
	if err != nil {
		return nil, fmt.Errorf("points engine: %w", err)
	}
	streakEngine.SetAwarder(pts)

	ach, err := achievements.New(achOpts...)
	if err != nil {
		return nil, fmt.Errorf("achievement engine: %w", err)
	}
	boards := leaderboard.New(boardOpts...)

	sys := &System{
		Bus:          bus,
		Broker:       cfg.broker,
		Validator:    validator,
		Points:       pts,
		Achievements: ach,
		Streaks:      streakEngine,
		Leaderboards: boards,
		Hub:          cfg.hub,
		Metrics:      cfg.metrics,
		Logger:       cfg.logger,
	}

	type patterned interface {
		engine.Handler
		Patterns() []string
	}
	for _, h := range []patterned{ach, streakEngine, boards} {
		for _, p := range h.Patterns() {
			if _, err := bus.Subscribe(p, h); err != nil {
				return nil, fmt.Errorf("subscribe %s: %w", p, err)
			}
		}
	}
	if cfg.hub != nil {
		// Bridge every event to realtime clients
		if _, err := bus.Subscribe("*", cfg.hub); err != nil {
			return nil, err
		}
	}
	for _, h := range cfg.hooks {
		if _, err := bus.Subscribe(h.pattern, h.handler); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", h.pattern, err)
		}
	}
	return sys, nil
}

// Start connects the bus to its broker.
func (s *System) Start(ctx context.Context) error {
	return s.Bus.Start(ctx)
}

// Close waits for queued deliveries until ctx ends, then stops the bus and
// disconnects from the broker.
func (s *System) Close(ctx context.Context) error {
	drainErr := s.Bus.Drain(ctx)
	return errors.Join(drainErr, s.Bus.Close(), s.Broker.Close())
}
