// Package metrics provides Prometheus metrics for the VaultGate server.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	streamBytesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgate_stream_bytes_out_total",
			Help: "Total bytes streamed to clients",
		},
	)

	streamBytesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgate_stream_bytes_in_total",
			Help: "Total bytes accepted from upload clients",
		},
	)

	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_streams_total",
			Help: "Total content streams served",
		},
		[]string{"direction", "status"},
	)

	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_admissions_total",
			Help: "Grant and share link admission decisions",
		},
		[]string{"kind", "outcome"},
	)

	shareLinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultgate_share_links_active",
			Help: "Number of share links currently stored",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	objectOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultgate_object_store_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	objectOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_object_store_operations_total",
			Help: "Total object store operations",
		},
		[]string{"operation", "status"},
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

// RecordDownload records a content stream to a client.
func RecordDownload(bytes int64, success bool) {
	streamBytesOut.Add(float64(bytes))
	streamsTotal.WithLabelValues("download", statusLabel(success)).Inc()
}

// RecordUpload records a content stream from a client.
func RecordUpload(bytes int64, success bool) {
	streamBytesIn.Add(float64(bytes))
	streamsTotal.WithLabelValues("upload", statusLabel(success)).Inc()
}

// RecordAdmission records a grant or share link admission decision.
// kind is "grant" or "link"; outcome is "ok" or a denial reason code.
func RecordAdmission(kind, outcome string) {
	admissionsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetShareLinksActive sets the stored share link gauge.
func SetShareLinksActive(count int64) {
	shareLinksActive.Set(float64(count))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordObjectOp records an object store operation.
func RecordObjectOp(operation string, duration time.Duration, success bool) {
	objectOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	objectOpsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
