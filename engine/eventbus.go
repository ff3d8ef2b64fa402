package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"engagekit/core"
	"engagekit/metrics"
)

type DispatchMode int

const (
	// DispatchAsync gives every subscription its own FIFO mailbox and worker.
	DispatchAsync DispatchMode = iota
	// DispatchSync runs handlers inline on the broker delivery path.
	DispatchSync
)

// Config tunes publishing resilience and health thresholds.
type Config struct {
	ChannelPrefix    string        `json:"channel_prefix" env:"CHANNEL_PREFIX"`
	PublishTimeout   time.Duration `json:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	MaxAttempts      int           `json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff   time.Duration `json:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff       time.Duration `json:"max_backoff" env:"MAX_BACKOFF"`
	BreakerThreshold int           `json:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	DegradedAfter    int           `json:"degraded_after" env:"DEGRADED_AFTER"`
	MaxEventBytes    int           `json:"max_event_bytes" env:"MAX_EVENT_BYTES"`
}

func DefaultConfig() Config {
	return Config{
		ChannelPrefix:    "events:",
		PublishTimeout:   2 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		DegradedAfter:    5,
		MaxEventBytes:    64 * 1024,
	}
}

// withDefaults fills zero values so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = d.MaxEventBytes
	}
	return c
}

type Option func(*EventBus)

func WithConfig(c Config) Option             { return func(e *EventBus) { e.cfg = c.withDefaults() } }
func WithDispatchMode(m DispatchMode) Option { return func(e *EventBus) { e.mode = m } }
func WithMetrics(m *metrics.Collector) Option {
	return func(e *EventBus) { e.metrics = m }
}
func WithTracer(t trace.Tracer) Option { return func(e *EventBus) { e.tracer = t } }
func WithLogger(l *slog.Logger) Option {
	return func(e *EventBus) {
		if l != nil {
			e.logger = l
		}
	}
}

type busStats struct {
	published     atomic.Int64
	publishFailed atomic.Int64
	rejected      atomic.Int64
	retries       atomic.Int64
	processed     atomic.Int64
	failed        atomic.Int64
	malformed     atomic.Int64
	latencyNanos  atomic.Int64
}

// EventBus routes events through a Broker to pattern subscriptions.
type EventBus struct {
	broker  Broker
	cfg     Config
	mode    DispatchMode
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	reg     *registry
	breaker *gobreaker.CircuitBreaker
	stats   busStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	startedAt time.Time
	rawSub    BrokerSubscription
}

func NewEventBus(broker Broker, opts ...Option) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	e := &EventBus{
		broker: broker,
		cfg:    DefaultConfig(),
		mode:   DispatchAsync,
		logger: slog.Default(),
		tracer: otel.Tracer("engagekit/engine"),
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "eventbus")
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(e.cfg.BreakerThreshold)
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about broker health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.metrics.SetCircuitState(stateValue(to))
			lvl := slog.LevelInfo
			if to == gobreaker.StateOpen {
				lvl = slog.LevelError
			}
			e.logger.Log(context.Background(), lvl, "circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return e
}

// Start connects the broker and opens the single raw subscription all
// deliveries arrive on. Calling Start twice is a no-op.
func (e *EventBus) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrBusClosed
	}
	if e.started {
		return nil
	}
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	sub, err := e.broker.SubscribeRaw(e.ctx, e.cfg.ChannelPrefix+"*", e.deliver)
	if err != nil {
		return fmt.Errorf("subscribe broker: %w", err)
	}
	e.rawSub = sub
	e.started = true
	e.startedAt = time.Now()
	e.logger.Info("event bus started", "prefix", e.cfg.ChannelPrefix, "mode", e.modeName())
	return nil
}

// Close stops delivery and all mailbox workers. Queued events are dropped;
// call Drain first for a graceful stop. The broker itself is left open.
func (e *EventBus) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sub := e.rawSub
	e.rawSub = nil
	e.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	e.cancel()
	for _, s := range e.reg.all() {
		if s.box != nil {
			s.box.close()
		}
	}
	e.wg.Wait()
	return err
}

// Subscribe registers h for every topic matching pattern and returns the
// subscription id.
func (e *EventBus) Subscribe(pattern string, h Handler) (string, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "", &core.ValidationError{Field: "handler", Reason: "handler cannot be nil"}
	}
	s := &subscription{id: uuid.NewString(), pattern: p, handler: h}

	// Registration happens under e.mu so Close either sees the new mailbox
	// or this call sees closed.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", core.ErrBusClosed
	}
	if e.mode == DispatchAsync {
		s.box = newMailbox()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.box.run(func(ev core.Event) { e.invoke(s, ev) })
		}()
	}
	e.reg.add(s)
	e.mu.Unlock()
	e.logger.Debug("subscribed", "subscription", s.id, "pattern", pattern)
	return s.id, nil
}

// SubscribeFunc is Subscribe for plain functions.
func (e *EventBus) SubscribeFunc(pattern string, fn func(context.Context, core.Event) error) (string, error) {
	return e.Subscribe(pattern, HandlerFunc(fn))
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (e *EventBus) Unsubscribe(id string) {
	s, ok := e.reg.remove(id)
	if !ok {
		return
	}
	if s.box != nil {
		s.box.close()
	}
	e.metrics.DeleteQueueDepth(id)
	e.logger.Debug("unsubscribed", "subscription", id)
}

// Publish validates ev and sends it to the broker, retrying transient
// failures behind the circuit breaker.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) error {
	ctx, span := e.tracer.Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.type", string(ev.Type)),
			attribute.String("event.id", ev.ID),
		))
	defer span.End()

	start := time.Now()
	err := e.publish(ctx, ev)
	e.metrics.ObservePublish(topicRoot(ev.Type), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *EventBus) publish(ctx context.Context, ev core.Event) error {
	data, err := core.Encode(ev)
	if err != nil {
		e.stats.rejected.Add(1)
		return err
	}
	if len(data) > e.cfg.MaxEventBytes {
		e.stats.rejected.Add(1)
		return &core.ValidationError{Field: "event", Reason: fmt.Sprintf("encoded size %d exceeds limit %d", len(data), e.cfg.MaxEventBytes)}
	}
	if !e.isStarted() {
		return core.ErrNotStarted
	}

	channel := e.cfg.ChannelPrefix + string(ev.Type)
	_, err = e.breaker.Execute(func() (interface{}, error) {
		return nil, e.sendWithRetry(ctx, channel, data, e.publishTries())
	})
	switch {
	case err == nil:
		e.stats.published.Add(1)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e.stats.publishFailed.Add(1)
		return fmt.Errorf("%w: publish %s: %v", core.ErrCircuitOpen, ev.Type, err)
	default:
		e.stats.publishFailed.Add(1)
		e.logger.WarnContext(ctx, "publish failed", "event_type", ev.Type, "event_id", ev.ID, "error", err)
		return err
	}
}

func (e *EventBus) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

// deliver is the broker callback. Each matching subscription gets its own
// decoded copy of the event.
func (e *EventBus) deliver(channel string, data []byte) {
	ev, err := core.Decode(data)
	if err != nil {
		e.stats.malformed.Add(1)
		e.logger.Warn("dropping undecodable message", "channel", channel, "error", err)
		return
	}
	for _, s := range e.reg.match(ev.Type) {
		cp, err := core.Decode(data)
		if err != nil {
			cp = ev.Clone()
		}
		if s.box != nil {
			s.box.push(cp)
			e.metrics.SetQueueDepth(s.id, s.box.depth())
			continue
		}
		e.invoke(s, cp)
	}
}

func (e *EventBus) invoke(s *subscription, ev core.Event) {
	start := time.Now()
	err := safeHandle(e.ctx, s.handler, ev)
	d := time.Since(start)

	e.stats.latencyNanos.Add(int64(d))
	if err == nil {
		e.stats.processed.Add(1)
	} else {
		e.stats.failed.Add(1)
	}
	degraded := s.record(err, d, e.cfg.DegradedAfter)
	e.metrics.ObserveHandle(s.pattern.String(), d, err)
	if s.box != nil {
		e.metrics.SetQueueDepth(s.id, s.box.depth()-1)
	}
	if err == nil {
		return
	}
	herr := &core.HandlerError{SubscriptionID: s.id, Topic: ev.Type, Err: err}
	e.logger.Warn("handler failed", "subscription", s.id, "pattern", s.pattern.String(), "event_id", ev.ID, "error", herr)
	if degraded {
		e.logger.Error("subscription degraded", "subscription", s.id, "pattern", s.pattern.String(),
			"consecutive_failures", e.cfg.DegradedAfter)
	}
}

func safeHandle(ctx context.Context, h Handler, ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// Drain blocks until every mailbox is empty or ctx ends.
func (e *EventBus) Drain(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		var pending int64
		for _, s := range e.reg.all() {
			if s.box != nil {
				pending += s.box.depth()
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain with %d events pending: %w", pending, ctx.Err())
		case <-t.C:
		}
	}
}

func (e *EventBus) modeName() string {
	if e.mode == DispatchSync {
		return "sync"
	}
	return "async"
}

func topicRoot(t core.Topic) string {
	root, _, _ := strings.Cut(string(t), ".")
	return root
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
