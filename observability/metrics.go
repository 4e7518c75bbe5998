package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks escrow engine activity: operation counts and latency,
// plus the number of payouts stuck in the pending-delivery state.
type EngineMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	payoutsPending prometheus.Gauge
	attestations   *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Escrow engine operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			payoutsPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "payouts_pending",
				Help:      "Escrows in a terminal state whose payout has not yet been delivered.",
			}),
			attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "attestation",
				Name:      "lookups_total",
				Help:      "Attestation oracle lookups segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.latency,
			engineRegistry.payoutsPending,
			engineRegistry.attestations,
		)
	})
	return engineRegistry
}

// ObserveOperation records one engine operation and its duration. The outcome
// should be "success" or a stable error class such as "invalid_status".
func (m *EngineMetrics) ObserveOperation(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPayoutsPending records the current count of undelivered payouts.
func (m *EngineMetrics) SetPayoutsPending(n int) {
	if m == nil {
		return
	}
	m.payoutsPending.Set(float64(n))
}

// RecordAttestationLookup tallies an oracle lookup. Result should be a stable
// class such as "found", "not_found", "timeout" or "error".
func (m *EngineMetrics) RecordAttestationLookup(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.attestations.WithLabelValues(strings.ToLower(result)).Inc()
}

// GatewayMetrics tracks the HTTP service surface.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Gateway returns the lazily-initialised HTTP metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting, segmented by route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records one handled HTTP request.
func (m *GatewayMetrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a request rejected by the rate limiter.
func (m *GatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}
