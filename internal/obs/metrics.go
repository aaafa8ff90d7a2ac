package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the admin surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Governance metrics. Counters only move forward; the ledger is the
// authoritative record, these exist for dashboards and alerting.
var (
	ApprovalsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_approvals_created_total",
			Help: "Approval requests created, by action kind.",
		},
		[]string{"action"},
	)

	ApprovalsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_approvals_resolved_total",
			Help: "Approval requests reaching a terminal status.",
		},
		[]string{"status"},
	)

	VotesCast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_votes_cast_total",
			Help: "Votes recorded, by decision.",
		},
		[]string{"decision"},
	)

	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_tokens_issued_total",
			Help: "Credential tokens issued, by type.",
		},
		[]string{"type"},
	)

	TokensRedeemed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_tokens_redeemed_total",
		Help: "Credential tokens successfully redeemed.",
	})

	DeletionsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_deletions_scheduled_total",
		Help: "Account deletions entering the cooling-off window.",
	})

	DeletionsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_deletions_executed_total",
		Help: "Account deletions purged by the sweeper.",
	})

	ChainVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_chain_verify_failures_total",
		Help: "Audit chain verifications that detected a broken entry.",
	})

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governance_sweep_duration_seconds",
			Help:    "Duration of background sweep passes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		ApprovalsCreated, ApprovalsResolved, VotesCast,
		TokensIssued, TokensRedeemed,
		DeletionsScheduled, DeletionsExecuted,
		ChainVerifyFailures, SweepDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an http.Handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
