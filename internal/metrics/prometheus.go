package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// De-identification metrics
	recordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrub_records_processed_total",
			Help: "Total number of records de-identified",
		},
	)

	substitutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrub_substitutions_total",
			Help: "Total number of pseudonym substitutions",
		},
		[]string{"category"},
	)

	dateShiftsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrub_date_shifts_total",
			Help: "Total number of dates shifted",
		},
	)

	dateParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrub_date_parse_failures_total",
			Help: "Total number of date values no layout could parse",
		},
	)

	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrub_files_total",
			Help: "Total number of input files by outcome",
		},
		[]string{"outcome"},
	)

	fileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrub_file_duration_seconds",
			Help:    "Per-file processing duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	validationResiduals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrub_validation_residuals_total",
			Help: "Total number of residual identifiers found by validation",
		},
	)

	engineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrub_engine_state",
			Help: "Engine state ordinal (0 initialized through 6 errored)",
		},
	)

	storeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrub_mapping_store_entries",
			Help: "Number of entries in the mapping store",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards connection hijacking so the WebSocket upgrade works
// behind the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// normalizePath caps path cardinality; the status server only serves
// fixed routes
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/..."
	}
	return path
}

// --- De-identification metric helpers ---

// RecordRecords counts de-identified records
func RecordRecords(n int) {
	recordsProcessed.Add(float64(n))
}

// RecordSubstitution counts one pseudonym substitution
func RecordSubstitution(category string) {
	substitutionsTotal.WithLabelValues(category).Inc()
}

// RecordDateShift counts one shifted date
func RecordDateShift() {
	dateShiftsTotal.Inc()
}

// RecordDateParseFailure counts one unparseable date
func RecordDateParseFailure() {
	dateParseFailures.Inc()
}

// RecordFile counts a finished input file and its duration
func RecordFile(outcome string, duration time.Duration) {
	filesTotal.WithLabelValues(outcome).Inc()
	fileDuration.Observe(duration.Seconds())
}

// RecordValidationResiduals counts residual identifiers
func RecordValidationResiduals(n int) {
	validationResiduals.Add(float64(n))
}

// SetEngineState publishes the engine state ordinal
func SetEngineState(state int) {
	engineState.Set(float64(state))
}

// SetStoreEntries publishes the mapping store size
func SetStoreEntries(n int) {
	storeEntries.Set(float64(n))
}
