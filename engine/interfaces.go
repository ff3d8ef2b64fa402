package engine

import (
	"context"

	"engagekit/core"
)

// Broker is the transport underneath the bus. Channels are plain strings;
// patterns use a trailing "*" glob (the Redis PSUBSCRIBE subset).
type Broker interface {
	Connect(ctx context.Context) error
	PublishRaw(ctx context.Context, channel string, data []byte) error
	SubscribeRaw(ctx context.Context, pattern string, fn func(channel string, data []byte)) (BrokerSubscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// BrokerSubscription stops a raw subscription.
type BrokerSubscription interface {
	Close() error
}

// Handler processes one event. Handlers must be idempotent: delivery is at-least-once.
type Handler interface {
	Handle(ctx context.Context, ev core.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev core.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev core.Event) error { return f(ctx, ev) }

// Publisher is the publishing half of the bus, as seen by producers.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event) error
}

// Subscriber is the subscribing half of the bus, as seen by consumers.
type Subscriber interface {
	Subscribe(pattern string, h Handler) (string, error)
	Unsubscribe(id string)
}
