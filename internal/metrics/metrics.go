// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the Prometheus counters and gauges surfaced at
// GET /api/metrics: restart activity, cache performance, rate-limiter
// rejections, and pending-request depth per service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServiceRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_service_restarts_total",
			Help: "Total number of restart attempts per service",
		},
		[]string{"service_id"},
	)

	ServiceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpgateway_service_state",
			Help: "Current lifecycle state per service (0=stopped,1=starting,2=running,3=crashed,4=restarting)",
		},
		[]string{"service_id"},
	)

	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_proxy_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"service_id", "outcome"}, // outcome: ok, cache_hit, rate_limited, invalid, unavailable, error
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgateway_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests from HTTP receipt to response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service_id"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"service_id"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"service_id"},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the per-service rate limiter",
		},
		[]string{"service_id"},
	)

	PendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpgateway_pending_requests",
			Help: "Current number of outstanding sendRequest calls per service",
		},
		[]string{"service_id"},
	)

	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpgateway_websocket_connections",
			Help: "Current number of open WebSocket connections per service",
		},
		[]string{"service_id"},
	)

	NotificationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_notifications_dropped_total",
			Help: "Total number of server-initiated notifications dropped due to a full subscriber buffer",
		},
		[]string{"service_id"},
	)
)

// RecordProxyRequest records the outcome and latency of one proxied
// request.
func RecordProxyRequest(serviceID, outcome string, duration time.Duration) {
	ProxyRequestsTotal.WithLabelValues(serviceID, outcome).Inc()
	ProxyRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// RecordRestart increments the restart counter for serviceID.
func RecordRestart(serviceID string) {
	ServiceRestartsTotal.WithLabelValues(serviceID).Inc()
}

// SetServiceState sets the numeric state gauge for serviceID.
func SetServiceState(serviceID string, state int) {
	ServiceState.WithLabelValues(serviceID).Set(float64(state))
}

// RecordCacheResult increments the hit or miss counter for serviceID.
func RecordCacheResult(serviceID string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(serviceID).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(serviceID).Inc()
	}
}

// RecordRateLimitRejection increments the rejection counter for
// serviceID.
func RecordRateLimitRejection(serviceID string) {
	RateLimitRejectionsTotal.WithLabelValues(serviceID).Inc()
}
