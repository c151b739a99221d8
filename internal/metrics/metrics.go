package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultBypass = "bypass"
	ResultError  = "error"
)

var (
	// Counter: cache lookups by operation and outcome (hit|miss|bypass|error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of cache lookups by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// Counter: new results written to the cache store.
	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Total number of results written to the cache store.",
		},
		[]string{"operation"},
	)

	// Histogram: store operation latency in seconds.
	CacheStoreSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_store_seconds",
			Help:    "Latency of cache store operations in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"},
	)

	// Counter: prompts sent to the engine.
	EnginePromptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_prompts_total",
			Help: "Total number of prompts submitted to the inference engine.",
		},
		[]string{"operation"},
	)

	// Histogram: engine call latency in seconds, one observation per chunk.
	EngineRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_request_seconds",
			Help:    "Latency of inference engine calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		CacheWritesTotal,
		CacheStoreSeconds,
		EnginePromptsTotal,
		EngineRequestSeconds,
		HTTPRequestSeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// unmatchedRoute labels requests no route matched.
const unmatchedRoute = "unmatched"

// Middleware measures HTTP latency for each request, labelled by chi route
// pattern so the label set stays bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		HTTPRequestSeconds.
			WithLabelValues(routePattern(r), r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}
