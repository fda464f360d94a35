// Package observability holds the client's Prometheus collectors on the default registry.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_gateway_requests_total",
			Help: "Requests sent to the gateway and map server by method and status.",
		},
		[]string{"upstream", "method", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geodb_upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"upstream"},
	)

	tokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_token_exchanges_total",
			Help: "Token exchanges against the identity provider by outcome.",
		},
		[]string{"mode", "outcome"},
	)

	tokenCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_token_cache_results_total",
			Help: "Token cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	capabilityResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_capability_cache_results_total",
			Help: "Capability cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	uploadedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geodb_uploaded_rows_total",
			Help: "Rows accepted by the gateway on insert.",
		},
	)

	uploadChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_upload_chunks_total",
			Help: "Insert chunks by outcome.",
		},
		[]string{"outcome"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodb_events_dropped_total",
			Help: "Event log entries that could not be delivered.",
		},
		[]string{"sink"},
	)
)

func ObserveRequest(upstream, method string, status int, durationSeconds float64) {
	gatewayRequestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status)).Inc()
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncTokenExchange(mode string, err error) {
	tokenExchanges.WithLabelValues(mode, outcome(err)).Inc()
}

func IncTokenCacheHit()  { tokenCacheResults.WithLabelValues("hit").Inc() }
func IncTokenCacheMiss() { tokenCacheResults.WithLabelValues("miss").Inc() }

func IncCapabilityHit()  { capabilityResults.WithLabelValues("hit").Inc() }
func IncCapabilityMiss() { capabilityResults.WithLabelValues("miss").Inc() }

func ObserveChunk(rows int, err error) {
	uploadChunks.WithLabelValues(outcome(err)).Inc()
	if err == nil && rows > 0 {
		uploadedRows.Add(float64(rows))
	}
}

func IncEventDropped(sink string) { eventsDropped.WithLabelValues(sink).Inc() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
