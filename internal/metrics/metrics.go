// Package metrics instruments relay-core operations via Prometheus
// client_golang, upgrading the teacher's hand-rolled MetricsCollector
// (internal/metrics/collector.go: plain counters plus a capped slice of
// recent timing samples) into real histogram/counter instruments scraped
// over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric instrument relay-core exposes. Unlike the
// teacher's collector, which owns a process-global set of counters,
// Collector is constructed per-Core so multiple Cores in one process
// don't collide on metric names when each registers with its own
// *prometheus.Registry.
type Collector struct {
	registry *prometheus.Registry

	PublishTotal       *prometheus.CounterVec
	PublishLatency     *prometheus.HistogramVec
	SubscribeTotal      *prometheus.CounterVec
	MessagesReceived    prometheus.Counter
	MessagesDeduped     prometheus.Counter
	EnvelopeEncodeTotal *prometheus.CounterVec
	EnvelopeDecodeTotal *prometheus.CounterVec
	PairingTransitions  *prometheus.CounterVec
	ExpiredTargets      prometheus.Counter
}

// New creates a Collector and registers its instruments with a fresh
// *prometheus.Registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "publish_total",
			Help:      "Total relay publish attempts, labeled by outcome.",
		}, []string{"outcome"}),
		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaycore",
			Name:      "publish_latency_seconds",
			Help:      "Publish round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tag"}),
		SubscribeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "subscribe_total",
			Help:      "Total subscribe/unsubscribe calls, labeled by operation and outcome.",
		}, []string{"operation", "outcome"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "messages_received_total",
			Help:      "Total inbound subscription messages demultiplexed.",
		}),
		MessagesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "messages_deduped_total",
			Help:      "Total inbound messages dropped as duplicates.",
		}),
		EnvelopeEncodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "envelope_encode_total",
			Help:      "Total envelope encode calls, labeled by outcome.",
		}, []string{"outcome"}),
		EnvelopeDecodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "envelope_decode_total",
			Help:      "Total envelope decode calls, labeled by outcome.",
		}, []string{"outcome"}),
		PairingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "pairing_transitions_total",
			Help:      "Pairing lifecycle transitions, labeled by state.",
		}, []string{"state"}),
		ExpiredTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "expirer_fired_total",
			Help:      "Total targets the expirer fired Expired for.",
		}),
	}

	reg.MustRegister(
		c.PublishTotal, c.PublishLatency, c.SubscribeTotal,
		c.MessagesReceived, c.MessagesDeduped,
		c.EnvelopeEncodeTotal, c.EnvelopeDecodeTotal,
		c.PairingTransitions, c.ExpiredTargets,
	)
	return c
}

// Handler returns the HTTP handler serving this Collector's metrics in
// the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ListenAndServe starts a dedicated metrics HTTP server on addr, serving
// this Collector's metrics at /metrics.
func (c *Collector) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
