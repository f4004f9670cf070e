// Package metrics provides Prometheus metrics for the pathlight server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathlight_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pathlight_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Index metrics
	indexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathlight_index_entries",
			Help: "Number of entries in the index",
		},
	)

	cacheRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pathlight_cache_rebuild_duration_seconds",
			Help:    "Time to rebuild the search cache from the store",
			Buckets: prometheus.DefBuckets,
		},
	)

	fsEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathlight_fs_events_total",
			Help: "Total filesystem change events processed",
		},
		[]string{"type"},
	)

	watchMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathlight_watch_mode",
			Help: "Current watch mode (0 = native, 1 = polling)",
		},
	)

	// Git collector metrics
	gitCollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathlight_git_collections_total",
			Help: "Total git metadata collection attempts",
		},
		[]string{"status"},
	)

	gitCollectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pathlight_git_collection_duration_seconds",
			Help:    "Git metadata collection duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Content metrics
	contentBytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathlight_content_bytes_streamed_total",
			Help: "Total bytes streamed from the content endpoint",
		},
	)

	fileSearchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathlight_file_searches_total",
			Help: "Total in-file text searches",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pathlight_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathlight_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathlight_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetIndexEntries sets the current index size.
func SetIndexEntries(count int64) {
	indexEntries.Set(float64(count))
}

// RecordCacheRebuild records a search cache rebuild duration.
func RecordCacheRebuild(duration time.Duration) {
	cacheRebuildDuration.Observe(duration.Seconds())
}

// RecordFSEvent records a processed filesystem event.
func RecordFSEvent(eventType string) {
	fsEventsTotal.WithLabelValues(eventType).Inc()
}

// SetWatchMode records the active watch mode.
func SetWatchMode(polling bool) {
	if polling {
		watchMode.Set(1)
	} else {
		watchMode.Set(0)
	}
}

// RecordGitCollection records a git metadata collection attempt.
func RecordGitCollection(status string, duration time.Duration) {
	gitCollectionsTotal.WithLabelValues(status).Inc()
	gitCollectionDuration.Observe(duration.Seconds())
}

// RecordContentStreamed records bytes streamed to a client.
func RecordContentStreamed(bytes int64) {
	contentBytesStreamed.Add(float64(bytes))
}

// RecordFileSearch records an in-file search.
func RecordFileSearch() {
	fileSearchesTotal.Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
