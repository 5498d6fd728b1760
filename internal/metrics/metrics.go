// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// submissionsTotal counts submissions by result.
	// Labels:
	// - result: queued | invalid_address | relay_denied | too_large | malformed | quota | rate_limited | error
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Message submissions by result.",
		},
		[]string{"result"},
	)

	// deliveriesTotal counts delivery attempts by provider and outcome.
	// Labels:
	// - provider: ses | graph | gmail | stdout
	// - outcome: success | retry | deferred | failed
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// deliverySeconds observes provider call latency.
	deliverySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailpipe",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Provider send latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// breakerState is 0 closed, 1 half-open, 2 open.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailpipe",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailpipe",
			Subsystem: "queue",
			Name:      "items",
			Help:      "Queue items by status.",
		},
		[]string{"status"},
	)

	// rateLimitDeniedTotal counts rate limit denials.
	// Labels:
	// - scope: sender | recipient | global
	// - reason: COUNT_EXCEEDED | RECIPIENTS_EXCEEDED | MESSAGE_SIZE_EXCEEDED | TOTAL_SIZE_EXCEEDED
	rateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Rate limit denials by scope and reason.",
		},
		[]string{"scope", "reason"},
	)

	quotaRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "quota",
			Name:      "rejected_total",
			Help:      "Quota reservations rejected by kind.",
		},
		[]string{"kind"},
	)
)

// IncSubmission increments the submission counter.
func IncSubmission(result string) {
	if result == "" {
		result = "unknown"
	}
	submissionsTotal.WithLabelValues(result).Inc()
}

// IncDelivery increments the delivery attempt counter.
func IncDelivery(provider, outcome string) {
	if provider == "" {
		provider = "other"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	deliveriesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveDelivery records a provider call latency in seconds.
func ObserveDelivery(provider string, seconds float64) {
	deliverySeconds.WithLabelValues(provider).Observe(seconds)
}

// SetBreakerState publishes the numeric state of a named breaker.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

// SetQueueDepth publishes the number of items in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncRateLimitDenied increments the rate limit denial counter.
func IncRateLimitDenied(scope, reason string) {
	rateLimitDeniedTotal.WithLabelValues(scope, reason).Inc()
}

// IncQuotaRejected increments the quota rejection counter.
func IncQuotaRejected(kind string) {
	quotaRejectedTotal.WithLabelValues(kind).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
