package engine

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"engagekit/core"
)

// sendWithRetry publishes data with exponential backoff, at most maxTries
// attempts. Every attempt is bounded by PublishTimeout; a timeout counts as a
// failed attempt. The whole call counts as one breaker failure when the
// attempts run out.
func (e *EventBus) sendWithRetry(ctx context.Context, channel string, data []byte, maxTries int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			e.stats.retries.Add(1)
			e.metrics.IncRetry()
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
		err := e.broker.PublishRaw(callCtx, channel, data)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("publish to %s: %w", channel, ctx.Err())
	}
	return fmt.Errorf("%w: publish to %s after %d attempts: %w", core.ErrTransientBroker, channel, attempts, err)
}

// publishTries is the attempt budget for the call the breaker just admitted.
// A half-open breaker lets exactly one broker call through as the probe.
func (e *EventBus) publishTries() int {
	if e.breaker.State() == gobreaker.StateHalfOpen {
		return 1
	}
	return e.cfg.MaxAttempts
}

// CircuitState reports the broker breaker state: closed, half-open or open.
func (e *EventBus) CircuitState() string {
	return e.breaker.State().String()
}

// BreakerCounts exposes the breaker's counters for the current generation.
func (e *EventBus) BreakerCounts() gobreaker.Counts {
	return e.breaker.Counts()
}
