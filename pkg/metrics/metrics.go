// Package metrics holds the process-wide Prometheus collectors. Grounded on
// the retrieved pack's pkg/metrics package: package-level promauto
// collectors plus small Record* helpers, rather than a handler that
// assembles a text body by hand.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodriver_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turbodriver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turbodriver_websocket_connections",
			Help: "Current number of live WebSocket connections.",
		},
	)

	DriversOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turbodriver_drivers_online",
			Help: "Current number of drivers present in the location index.",
		},
	)

	RidesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodriver_rides_total",
			Help: "Total number of rides reaching each terminal or non-terminal status.",
		},
		[]string{"status"},
	)

	OffersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "turbodriver_offers_sent_total",
			Help: "Total number of ride offers dispatched to a driver.",
		},
	)

	OffersOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodriver_offers_outcome_total",
			Help: "Total number of ride offers resolved, by outcome.",
		},
		[]string{"outcome"}, // accepted | rejected | expired
	)

	MatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turbodriver_match_latency_seconds",
			Help:    "Time from create_request to the first offer being dispatched.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	AcceptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "turbodriver_accept_latency_seconds",
			Help:    "Duration of a successful accept operation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodriver_database_queries_total",
			Help: "Total number of database operations, by outcome.",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turbodriver_database_query_duration_seconds",
			Help:    "Database operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodriver_broadcasts_total",
			Help: "Total number of location broadcasts, by outcome.",
		},
		[]string{"outcome"}, // sent | rate_limited | below_min_distance
	)
)

// RecordHTTP records one completed HTTP request.
func RecordHTTP(method, route string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordDatabaseOp records one storage.Repository call.
func RecordDatabaseOp(operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
