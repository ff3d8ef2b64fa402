package engine

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type BrokerHealth struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

type SubscriptionHealth struct {
	ID                  string        `json:"id"`
	Pattern             string        `json:"pattern"`
	Processed           int64         `json:"processed"`
	Failed              int64         `json:"failed"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	ErrorRate           float64       `json:"error_rate"`
	AvgLatency          time.Duration `json:"avg_latency_ns"`
	QueueDepth          int64         `json:"queue_depth"`
	Degraded            bool          `json:"degraded"`
	LastProcessedAt     *time.Time    `json:"last_processed_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// Throughput counts since Start; rates are per second over the uptime.
type Throughput struct {
	Published       int64         `json:"published"`
	PublishFailed   int64         `json:"publish_failed"`
	Rejected        int64         `json:"rejected"`
	Retries         int64         `json:"retries"`
	Processed       int64         `json:"processed"`
	Failed          int64         `json:"failed"`
	Malformed       int64         `json:"malformed"`
	PublishedPerSec float64       `json:"published_per_sec"`
	ProcessedPerSec float64       `json:"processed_per_sec"`
	FailedPerSec    float64       `json:"failed_per_sec"`
	AvgProcessing   time.Duration `json:"avg_processing_ns"`
}

type HealthReport struct {
	Status        HealthStatus         `json:"status"`
	Broker        BrokerHealth         `json:"broker"`
	Circuit       string               `json:"circuit"`
	Throughput    Throughput           `json:"throughput"`
	Subscriptions []SubscriptionHealth `json:"subscriptions"`
	Uptime        time.Duration        `json:"uptime_ns"`
	CheckedAt     time.Time            `json:"checked_at"`
}

// HealthCheck pings the broker and snapshots breaker and subscription state.
// The bus is unhealthy when the broker is unreachable or the breaker is open,
// degraded when any subscription is degraded or the breaker is probing.
func (e *EventBus) HealthCheck(ctx context.Context) HealthReport {
	now := time.Now()
	r := HealthReport{CheckedAt: now.UTC(), Circuit: e.breaker.State().String()}

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	start := time.Now()
	err := e.broker.Ping(pingCtx)
	cancel()
	r.Broker.Latency = time.Since(start)
	if err != nil {
		r.Broker.Error = err.Error()
	} else {
		r.Broker.Connected = true
	}

	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()
	if !startedAt.IsZero() {
		r.Uptime = now.Sub(startedAt)
	}

	t := Throughput{
		Published:     e.stats.published.Load(),
		PublishFailed: e.stats.publishFailed.Load(),
		Rejected:      e.stats.rejected.Load(),
		Retries:       e.stats.retries.Load(),
		Processed:     e.stats.processed.Load(),
		Failed:        e.stats.failed.Load(),
		Malformed:     e.stats.malformed.Load(),
	}
	if secs := r.Uptime.Seconds(); secs > 0 {
		t.PublishedPerSec = float64(t.Published) / secs
		t.ProcessedPerSec = float64(t.Processed) / secs
		t.FailedPerSec = float64(t.Failed) / secs
	}
	if n := t.Processed + t.Failed; n > 0 {
		t.AvgProcessing = time.Duration(e.stats.latencyNanos.Load() / n)
	}
	r.Throughput = t

	anyDegraded := false
	for _, s := range e.reg.all() {
		h := s.health(e.cfg.DegradedAfter)
		anyDegraded = anyDegraded || h.Degraded
		r.Subscriptions = append(r.Subscriptions, h)
	}

	state := e.breaker.State()
	switch {
	case !r.Broker.Connected || state == gobreaker.StateOpen:
		r.Status = StatusUnhealthy
	case anyDegraded || state == gobreaker.StateHalfOpen:
		r.Status = StatusDegraded
	default:
		r.Status = StatusHealthy
	}
	return r
}
