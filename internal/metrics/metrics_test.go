package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountersIncrement(t *testing.T) {
	c := New()

	c.PublishTotal.WithLabelValues("ok").Inc()
	c.PublishTotal.WithLabelValues("ok").Inc()
	c.PublishTotal.WithLabelValues("error").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.PublishTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.PublishTotal.WithLabelValues("error")))

	c.MessagesReceived.Inc()
	c.MessagesDeduped.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.MessagesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.MessagesDeduped))

	c.PairingTransitions.WithLabelValues("expired").Inc()
	c.ExpiredTargets.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ExpiredTargets))
}

func TestCollector_HandlerExportsMetrics(t *testing.T) {
	c := New()
	c.PublishTotal.WithLabelValues("ok").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "relaycore_publish_total")
}
