// Package metrics provides Prometheus metrics for storage operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Facade operations
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudstore_operations_total",
			Help: "Total storage operations by backend and outcome",
		},
		[]string{"operation", "backend", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudstore_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	// Copy legs (stage, upload, fast path)
	copyLegsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudstore_copy_legs_total",
			Help: "Total copy legs by leg and outcome",
		},
		[]string{"leg", "status"},
	)

	// Vendor SDK calls, including retries
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudstore_backend_calls_total",
			Help: "Total vendor API calls",
		},
		[]string{"backend", "call", "status"},
	)

	backendAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudstore_backend_call_attempts",
			Help:    "Attempts needed per vendor API call",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
		[]string{"backend", "call"},
	)

	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudstore_bytes_transferred_total",
			Help: "Total bytes moved by backends",
		},
		[]string{"backend", "direction"},
	)

	oplogWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudstore_oplog_writes_total",
			Help: "Total operation log writes",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records one facade operation.
func RecordOperation(operation, backend string, duration time.Duration, success bool) {
	operationsTotal.WithLabelValues(operation, backend, status(success)).Inc()
	operationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordCopyLeg records one leg of a copy.
func RecordCopyLeg(leg string, success bool) {
	copyLegsTotal.WithLabelValues(leg, status(success)).Inc()
}

// RecordBackendCall records a vendor API call and the attempts it took.
func RecordBackendCall(backend, call string, attempts int, success bool) {
	backendCallsTotal.WithLabelValues(backend, call, status(success)).Inc()
	backendAttempts.WithLabelValues(backend, call).Observe(float64(attempts))
}

// RecordBytes adds n bytes moved in direction ("in" or "out").
func RecordBytes(backend, direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(backend, direction).Add(float64(n))
	}
}

// RecordOplogWrite records an operation log write.
func RecordOplogWrite(success bool) {
	oplogWritesTotal.WithLabelValues(status(success)).Inc()
}
