package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

const (
	unmatched     = "unmatched"
	scrapeTimeout = 5 * time.Second
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	protocolsDesc = prometheus.NewDesc(
		"foundry_protocols",
		"Protocols in the project database by status.",
		[]string{"status"}, nil,
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// protocolCollector reports protocol counts from the project database at
// scrape time.
type protocolCollector struct {
	store store.Store
}

func (c protocolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- protocolsDesc }

func (c protocolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	stats, err := c.store.GetStats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(protocolsDesc, err)
		return
	}
	for _, st := range model.Statuses {
		ch <- prometheus.MustNewConstMetric(protocolsDesc, prometheus.GaugeValue, float64(stats.CountByStatus[st]), string(st))
	}
}

// metricsHandler serves the process-wide collectors together with the
// project's protocol gauges.
func metricsHandler(st store.Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(protocolCollector{store: st})
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}
