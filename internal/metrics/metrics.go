// Package metrics provides Prometheus metrics for mediacat.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Reconciliation metrics
	syncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_sync_batches_total",
			Help: "Change batches reconciled into the catalog",
		},
		[]string{"kind", "status"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacat_sync_duration_seconds",
			Help:    "Time to reconcile one change batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	syncEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_sync_entries_total",
			Help: "Catalog rows touched by reconciliation",
		},
		[]string{"op"},
	)

	catalogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacat_catalog_entries",
			Help: "Number of navigable catalog entries",
		},
	)

	hashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_content_hashes_total",
			Help: "Background content hash computations",
		},
		[]string{"status"},
	)

	watchRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacat_watch_restarts_total",
			Help: "Watch streams reopened after closing on their own",
		},
	)

	// Ordering metrics
	sortPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_sort_passes_total",
			Help: "Ordering passes over the catalog",
		},
		[]string{"mode", "status"},
	)

	// Storage metrics
	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacat_storage_transfer_duration_seconds",
			Help:    "Storage download/upload duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "direction"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_storage_transfers_total",
			Help: "Storage downloads and uploads",
		},
		[]string{"backend", "direction", "status"},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacat_events_total",
			Help: "Events published on the bus",
		},
		[]string{"kind"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacat_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSync records one reconciled batch.
func RecordSync(fullLoad bool, duration time.Duration, success bool) {
	kind := "incremental"
	if fullLoad {
		kind = "full"
	}
	syncBatchesTotal.WithLabelValues(kind, status(success)).Inc()
	syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSyncEntries adds row counts from a reconciliation pass.
func RecordSyncEntries(inserted, updated, deleted int) {
	syncEntriesTotal.WithLabelValues("inserted").Add(float64(inserted))
	syncEntriesTotal.WithLabelValues("updated").Add(float64(updated))
	syncEntriesTotal.WithLabelValues("deleted").Add(float64(deleted))
}

// SetCatalogEntries sets the navigable entry count.
func SetCatalogEntries(n int64) {
	catalogEntries.Set(float64(n))
}

// RecordHash records a background hash computation.
func RecordHash(success bool) {
	hashesTotal.WithLabelValues(status(success)).Inc()
}

// RecordWatchRestart counts a reopened watch stream.
func RecordWatchRestart() {
	watchRestartsTotal.Inc()
}

// RecordSort records an ordering pass.
func RecordSort(mode string, success bool) {
	sortPassesTotal.WithLabelValues(mode, status(success)).Inc()
}

// RecordDownload records a storage download.
func RecordDownload(backend string, duration time.Duration, success bool) {
	transferDuration.WithLabelValues(backend, "download").Observe(duration.Seconds())
	transfersTotal.WithLabelValues(backend, "download", status(success)).Inc()
}

// RecordUpload records a storage upload.
func RecordUpload(backend string, duration time.Duration, success bool) {
	transferDuration.WithLabelValues(backend, "upload").Observe(duration.Seconds())
	transfersTotal.WithLabelValues(backend, "upload", status(success)).Inc()
}

// RecordEvent records a bus publication.
func RecordEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(n int) {
	sseConnectionsActive.Set(float64(n))
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

// Middleware records request metrics labelled by the chi route pattern so
// entry IDs do not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
