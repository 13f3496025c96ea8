// Package metrics provides the Prometheus collectors C8 and the
// surrounding runtime emit against. Internal only; not meant to be
// imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus metric RouteCodex exposes on
// /metrics, grouped by the component that records them.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	failoverAttemptsTotal   *prometheus.CounterVec
	failoverExhaustedTotal  *prometheus.CounterVec
	routerPoolEligibleRatio *prometheus.GaugeVec

	quotaCooldownActive   *prometheus.GaugeVec
	quotaBlacklistedTotal *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace (normally
// "routecodex") and returns the collector ready for use.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of inbound HTTP requests handled by the gateway",
		},
		[]string{"route", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "End-to-end gateway request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "Inbound request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"route"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Outbound response body size in bytes (0 for streamed responses)",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"route"},
	)

	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of upstream provider attempts, one per failover attempt",
		},
		[]string{"provider_key", "status"},
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider round-trip duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider_key"},
	)

	c.providerTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_used_total",
			Help:      "Total tokens attributed to a provider",
		},
		[]string{"provider_key", "phase"}, // phase: estimated, actual
	)

	c.failoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Total failover attempts made per request, labeled by outcome",
		},
		[]string{"outcome"}, // outcome: success, retryable, fatal
	)

	c.failoverExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_exhausted_total",
			Help:      "Requests that exhausted the maximum attempt bound with no success",
		},
		[]string{"route_key"},
	)

	c.routerPoolEligibleRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_pool_eligible_ratio",
			Help:      "Fraction of pool targets currently eligible, sampled at pick time",
		},
		[]string{"pool_id"},
	)

	c.quotaCooldownActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_cooldown_active",
			Help:      "1 if the provider is currently in a cooldown window, else 0",
		},
		[]string{"provider_key"},
	)

	c.quotaBlacklistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_blacklisted_total",
			Help:      "Total number of times a provider was moved to the blacklist tier",
		},
		[]string{"provider_key"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of credential cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of credential cache misses",
		},
		[]string{"cache_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed gateway request.
func (c *Collector) RecordHTTPRequest(route string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(route).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(route).Observe(float64(responseSize))
}

// RecordProviderAttempt records one C7 attempt against one provider.
func (c *Collector) RecordProviderAttempt(providerKey, status string, duration time.Duration) {
	c.providerRequestsTotal.WithLabelValues(providerKey, status).Inc()
	c.providerRequestDuration.WithLabelValues(providerKey).Observe(duration.Seconds())
}

// RecordProviderTokens records token usage attributed to providerKey;
// phase is "estimated" (pre-flight tiktoken count) or "actual" (from
// the provider's response usage block).
func (c *Collector) RecordProviderTokens(providerKey, phase string, tokens int64) {
	c.providerTokensUsed.WithLabelValues(providerKey, phase).Add(float64(tokens))
}

// RecordFailoverAttempt records one C7 retry-loop outcome.
func (c *Collector) RecordFailoverAttempt(outcome string) {
	c.failoverAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordFailoverExhausted records a request that ran out of attempts.
func (c *Collector) RecordFailoverExhausted(routeKey string) {
	c.failoverExhaustedTotal.WithLabelValues(routeKey).Inc()
}

// SetRouterPoolEligibleRatio records the fraction of a pool's targets
// that were eligible the last time C6 picked from it.
func (c *Collector) SetRouterPoolEligibleRatio(poolID string, ratio float64) {
	c.routerPoolEligibleRatio.WithLabelValues(poolID).Set(ratio)
}

// SetQuotaCooldownActive flags whether providerKey is presently cooling down.
func (c *Collector) SetQuotaCooldownActive(providerKey string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.quotaCooldownActive.WithLabelValues(providerKey).Set(v)
}

// RecordQuotaBlacklisted records providerKey moving into the blacklist tier.
func (c *Collector) RecordQuotaBlacklisted(providerKey string) {
	c.quotaBlacklistedTotal.WithLabelValues(providerKey).Inc()
}

// RecordCacheHit records a credential cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a credential cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// statusClass buckets an HTTP status into its 2xx/3xx/... class.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
