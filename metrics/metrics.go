// Package metrics wraps Prometheus collectors for the event bus, the points
// ledger and the anti-abuse validator. A nil *Collector is valid and records
// nothing, so components can be used without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with all engagekit collectors.
type Collector struct {
	registry *prometheus.Registry

	busPublished      *prometheus.CounterVec
	busPublishLatency *prometheus.HistogramVec
	busRetries        prometheus.Counter
	busHandled        *prometheus.CounterVec
	busHandleLatency  *prometheus.HistogramVec
	busCircuitState   prometheus.Gauge
	busQueueDepth     *prometheus.GaugeVec

	ledgerTx      *prometheus.CounterVec
	ledgerAmount  *prometheus.HistogramVec
	ledgerLatency *prometheus.HistogramVec

	abuseDecisions *prometheus.CounterVec
}

// NewCollector creates and registers every collector under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "engagekit"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "published_total",
		Help: "Events published, by topic root and result",
	}, []string{"root", "result"})
	c.busPublishLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "bus", Name: "publish_duration_seconds",
		Help:    "Time spent publishing including retries",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"result"})
	c.busRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "publish_retries_total",
		Help: "Broker publish attempts beyond the first",
	})
	c.busHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "handled_total",
		Help: "Handler invocations, by subscription pattern and result",
	}, []string{"pattern", "result"})
	c.busHandleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "bus", Name: "handle_duration_seconds",
		Help:    "Handler processing latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"pattern"})
	c.busCircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "bus", Name: "circuit_state",
		Help: "Broker circuit breaker state (0=closed, 1=half-open, 2=open)",
	})
	c.busQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "bus", Name: "queue_depth",
		Help: "Pending events per subscription mailbox",
	}, []string{"subscription"})

	c.ledgerTx = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
		Help: "Ledger operations, by kind and result",
	}, []string{"kind", "result"})
	c.ledgerAmount = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "amount",
		Help:    "Absolute committed deltas",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"kind"})
	c.ledgerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "commit_duration_seconds",
		Help:    "Latency of award and deduct operations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"kind"})

	c.abuseDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "antiabuse", Name: "decisions_total",
		Help: "Validator decisions, by outcome and reason",
	}, []string{"outcome", "reason"})

	c.registry.MustRegister(
		c.busPublished, c.busPublishLatency, c.busRetries, c.busHandled,
		c.busHandleLatency, c.busCircuitState, c.busQueueDepth,
		c.ledgerTx, c.ledgerAmount, c.ledgerLatency, c.abuseDecisions,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObservePublish(root string, d time.Duration, err error) {
	if c == nil {
		return
	}
	res := result(err)
	c.busPublished.WithLabelValues(root, res).Inc()
	c.busPublishLatency.WithLabelValues(res).Observe(d.Seconds())
}

func (c *Collector) IncRetry() {
	if c == nil {
		return
	}
	c.busRetries.Inc()
}

func (c *Collector) ObserveHandle(pattern string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.busHandled.WithLabelValues(pattern, result(err)).Inc()
	c.busHandleLatency.WithLabelValues(pattern).Observe(d.Seconds())
}

// SetCircuitState records 0 for closed, 1 for half-open and 2 for open.
func (c *Collector) SetCircuitState(v int) {
	if c == nil {
		return
	}
	c.busCircuitState.Set(float64(v))
}

func (c *Collector) SetQueueDepth(subscription string, depth int64) {
	if c == nil {
		return
	}
	c.busQueueDepth.WithLabelValues(subscription).Set(float64(depth))
}

func (c *Collector) DeleteQueueDepth(subscription string) {
	if c == nil {
		return
	}
	c.busQueueDepth.DeleteLabelValues(subscription)
}

// ObserveLedger records one award or deduct. outcome is ok, denied or error.
func (c *Collector) ObserveLedger(kind, outcome string, amount int64, d time.Duration) {
	if c == nil {
		return
	}
	c.ledgerTx.WithLabelValues(kind, outcome).Inc()
	c.ledgerLatency.WithLabelValues(kind).Observe(d.Seconds())
	if outcome == "ok" {
		if amount < 0 {
			amount = -amount
		}
		c.ledgerAmount.WithLabelValues(kind).Observe(float64(amount))
	}
}

func (c *Collector) ObserveDecision(outcome, reason string) {
	if c == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	c.abuseDecisions.WithLabelValues(outcome, reason).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
