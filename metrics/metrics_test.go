package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObservePublish("gamification", time.Millisecond, nil)
	c.IncRetry()
	c.ObserveHandle("a.*", time.Millisecond, errors.New("x"))
	c.SetCircuitState(2)
	c.SetQueueDepth("s", 3)
	c.DeleteQueueDepth("s")
	c.ObserveLedger("award", "ok", 10, time.Millisecond)
	c.ObserveDecision("deny", "rate_limited")
	assert.Nil(t, c.Registry())
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")
	c.ObservePublish("gamification", time.Millisecond, nil)
	c.ObservePublish("gamification", time.Millisecond, errors.New("down"))
	c.IncRetry()
	c.ObserveLedger("award", "ok", 150, time.Millisecond)
	c.ObserveDecision("deny", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.busPublished.WithLabelValues("gamification", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busPublished.WithLabelValues("gamification", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ledgerTx.WithLabelValues("award", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.abuseDecisions.WithLabelValues("deny", "none")))
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollector("test")
	c.IncRetry()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "test_bus_publish_retries_total 1")
}
