package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engagekit/engine"
)

// ErrBrokerDown is returned by a Broker that is disconnected or forced down.
var ErrBrokerDown = errors.New("memory broker unavailable")

// Broker is an in-process engine.Broker. Publishing fans out synchronously to
// matching raw subscribers. Fault injection lets tests drive the same retry,
// breaker and health paths a networked broker would.
type Broker struct {
	mu        sync.RWMutex
	connected bool
	down      bool
	failNext  int
	latency   time.Duration
	nextID    int64
	subs      map[int64]*rawSub

	attempts atomic.Int64
}

type rawSub struct {
	id      int64
	pattern string
	fn      func(string, []byte)
	b       *Broker
}

func NewBroker() *Broker { return &Broker{subs: make(map[int64]*rawSub)} }

func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerDown
	}
	b.connected = true
	return nil
}

func (b *Broker) PublishRaw(ctx context.Context, channel string, data []byte) error {
	b.attempts.Add(1)
	b.mu.RLock()
	latency := b.latency
	b.mu.RUnlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	b.mu.Lock()
	if b.down || !b.connected {
		b.mu.Unlock()
		return ErrBrokerDown
	}
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return ErrBrokerDown
	}
	targets := make([]*rawSub, 0, len(b.subs))
	for _, s := range b.subs {
		if globMatch(s.pattern, channel) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.fn(channel, append([]byte(nil), data...))
	}
	return nil
}

func (b *Broker) SubscribeRaw(_ context.Context, pattern string, fn func(string, []byte)) (engine.BrokerSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrBrokerDown
	}
	b.nextID++
	s := &rawSub{id: b.nextID, pattern: pattern, fn: fn, b: b}
	b.subs[s.id] = s
	return s, nil
}

func (s *rawSub) Close() error {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down || !b.connected {
		return ErrBrokerDown
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.subs = make(map[int64]*rawSub)
	return nil
}

// FailNext makes the next n publishes fail.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// SetDown simulates a full outage; publishes and pings fail until cleared.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// SetLatency delays every publish by d, honouring the caller's context.
func (b *Broker) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// Attempts counts PublishRaw calls, including failed ones.
func (b *Broker) Attempts() int64 { return b.attempts.Load() }

// globMatch supports the trailing-star form used by PSUBSCRIBE prefixes.
func globMatch(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

var _ engine.Broker = (*Broker)(nil)
