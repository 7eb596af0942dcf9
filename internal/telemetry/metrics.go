// Package telemetry provides application-level observability for the gateway broker.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<GWB_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is NOT served by the Gin router, so browser clients holding
// only an API key can never reach it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Pairing outcomes by flow (finish, claim) and connection index evictions
//   - Outbound gateway call counters, latency and circuit breaker state
//
// # Label Cardinality
//
// No metric is labelled with an API key, connection ID or pairing code. The only
// user-influenced label is gateway_circuit_breaker_state{gateway}, which carries a
// base URL host and is bounded by the number of registered gateways.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Pairing outcome labels.
const (
	FlowStart  = "start"
	FlowFinish = "finish"
	FlowClaim  = "claim"

	OutcomeSuccess   = "success"
	OutcomeNotFound  = "not_found"
	OutcomeForbidden = "forbidden"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Broker metrics.
//
// BrokerPairingsTotal is a CounterVec with labels {flow, outcome}. A rising
// not_found rate on the finish flow usually means operators are pasting expired codes.
//
// Example PromQL queries:
//   - Successful pairings per hour:  sum(increase(broker_pairings_total{outcome="success"}[1h]))
//   - Scoping violations:            rate(broker_pairings_total{outcome="forbidden"}[5m])
//
// BrokerConnectionsEvictedTotal counts index entries dropped by the connection cap.
var (
	BrokerPairingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_pairings_total",
			Help: "Total number of pairing operations, by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	BrokerConnectionsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_connections_evicted_total",
			Help: "Total number of connections dropped from an index by the per-key cap.",
		},
	)
)

// Gateway metrics, recorded by internal/gateway for every outbound call.
//
// GatewayRequestsTotal has labels {op, outcome} where op is health or send and outcome
// is ok, error_status, unreachable, timeout or circuit_open.
//
// GatewayCircuitBreakerState is a GaugeVec with label {gateway}: 0 = closed,
// 1 = half-open, 2 = open.
//
// Example PromQL queries:
//   - Unreachable gateways:  sum by (outcome) (rate(gateway_requests_total{outcome!="ok"}[5m]))
//   - Open breakers:         count(gateway_circuit_breaker_state == 2)
var (
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of outbound gateway calls, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Latency of outbound gateway calls, by operation.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	GatewayCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per gateway (0=closed, 1=half-open, 2=open).",
		},
		[]string{"gateway"},
	)
)
