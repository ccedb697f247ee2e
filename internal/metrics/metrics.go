// Package metrics defines the service's Prometheus collectors and the gin
// glue that exposes and feeds them.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devicetrust"

// unmatchedRoute labels requests that hit no route, so scanners cannot
// inflate the path label.
const unmatchedRoute = "unmatched"

var (
	// HTTPRequestsTotal is labelled by route pattern and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "path"})

	// AuthAttemptsTotal counts device signature checks by result.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Device authentication attempts by result.",
		},
		[]string{"result"},
	)

	// FraudDecisionsTotal counts fingerprint analyses by decision and reason.
	FraudDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_decisions_total",
			Help:      "Fingerprint analysis decisions by status and reason.",
		},
		[]string{"status", "reason"},
	)

	// FraudAnalysisErrorsTotal counts analyses that failed open.
	FraudAnalysisErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_analysis_errors_total",
		Help:      "Fingerprint analyses that hit an internal error and were allowed.",
	})

	// FraudMarkingsTotal counts devices reported as fraudulent.
	FraudMarkingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_markings_total",
		Help:      "Fingerprints marked as fraudulent.",
	})

	// PolicyEvaluationsTotal counts policy evaluations by outcome.
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_evaluations_total",
			Help:      "Policy evaluations by outcome (allowed, violated, error).",
		},
		[]string{"outcome"},
	)

	// PolicyEvaluationDuration observes end-to-end policy evaluation latency.
	PolicyEvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "policy_evaluation_duration_seconds",
		Help:      "Policy evaluation latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// PolicyViolationsTotal counts recorded violations by enforcement level.
	PolicyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Policy violations by enforcement level.",
		},
		[]string{"enforcement"},
	)

	// RuleEvaluationErrorsTotal counts rules that errored and were treated as passed.
	RuleEvaluationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_errors_total",
			Help:      "Rule evaluations that failed and were treated as passed, by operator.",
		},
		[]string{"operator"},
	)

	// CacheRequestsTotal counts cache lookups by cache name and result.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result (hit, miss, error).",
		},
		[]string{"cache", "result"},
	)

	// AuditEventsTotal counts audit events handed to the shipper by result.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events by type and result (queued, dropped, sent, failed).",
		},
		[]string{"type", "result"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter by key kind.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter (ip or device).",
		},
		[]string{"key"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open per protected dependency.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by dependency (0 closed, 1 open, 2 half-open).",
		},
		[]string{"dependency"},
	)

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by dependency and target state.",
		},
		[]string{"dependency", "to"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
		FraudDecisionsTotal,
		FraudAnalysisErrorsTotal,
		FraudMarkingsTotal,
		PolicyEvaluationsTotal,
		PolicyEvaluationDuration,
		PolicyViolationsTotal,
		RuleEvaluationErrorsTotal,
		CacheRequestsTotal,
		AuditEventsTotal,
		RateLimitedTotal,
		BreakerState,
		BreakerTransitionsTotal,
	)
}

// RegisterDB exports db's pool statistics as devicetrust_go_sql_* series
// labelled db_name=name. Registering the same name again is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	c := collectors.NewDBStatsCollector(db, name)
	var dup prometheus.AlreadyRegisteredError
	if err := prometheus.WrapRegistererWithPrefix(namespace+"_", prometheus.DefaultRegisterer).Register(c); err != nil && !errors.As(err, &dup) {
		return err
	}
	return nil
}

// Middleware times every request and counts it by route and status class.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx" and so on; codes outside 100-599 count as 5xx.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
