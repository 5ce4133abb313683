package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"service", "method", "route", "status"},
	)

	// Multipart uploads of several images run far longer than reads.
	httpRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "method", "route"},
	)

	httpRequestBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "Declared request body size.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"service", "route"},
	)

	httpInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Requests being served.",
		},
		[]string{"service"},
	)
)

// PrometheusMetrics records request counts, latency and body size labelled
// by chi route pattern. Unmatched paths share the "unmatched" route.
func PrometheusMetrics(serviceName string) func(next http.Handler) http.Handler {
	inFlight := httpInFlight.WithLabelValues(serviceName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			inFlight.Inc()
			defer inFlight.Dec()

			rec := record(w)
			next.ServeHTTP(rec, r)

			route := routePattern(r, "unmatched")
			httpRequestsTotal.WithLabelValues(serviceName, r.Method, route, strconv.Itoa(rec.Status())).Inc()
			httpRequestSeconds.WithLabelValues(serviceName, r.Method, route).Observe(time.Since(start).Seconds())
			if r.ContentLength > 0 {
				httpRequestBytes.WithLabelValues(serviceName, route).Observe(float64(r.ContentLength))
			}
		})
	}
}
