package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"engagekit/engine"
)

// Broker is an engine.Broker on Redis pub/sub. Bus patterns map directly onto
// PSUBSCRIBE globs.
type Broker struct {
	client *redis.Client
	owned  bool
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewBroker wraps an existing client. The caller keeps ownership of it.
func NewBroker(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger.With("component", "redis_broker"), subs: map[*subscription]struct{}{}}
}

// DialBroker opens a dedicated client for the broker; Close closes it.
func DialBroker(config Config, logger *slog.Logger) (*Broker, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	b := NewBroker(client, logger)
	b.owned = true
	return b, nil
}

func (b *Broker) Connect(ctx context.Context) error {
	return b.Ping(ctx)
}

func (b *Broker) PublishRaw(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	b    *Broker
	once sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
	return err
}

// SubscribeRaw returns once Redis has confirmed the subscription, so messages
// published afterwards are not missed.
func (b *Broker) SubscribeRaw(ctx context.Context, pattern string, fn func(channel string, data []byte)) (engine.BrokerSubscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{}), b: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			fn(msg.Channel, []byte(msg.Payload))
		}
		b.logger.Debug("subscription closed", "pattern", pattern)
	}()
	return sub, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

var _ engine.Broker = (*Broker)(nil)
