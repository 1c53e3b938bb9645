// Package monitoring exposes Prometheus metrics for the gateway and an
// optional standalone metrics server.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3gw_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Storage operation metrics.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_storage_operations_total",
			Help: "Total number of storage backend operations",
		},
		[]string{"operation", "bucket", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3gw_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "bucket"},
	)

	// Data transfer metrics.
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_bytes_transferred_total",
			Help: "Total bytes transferred",
		},
		[]string{"direction", "operation"},
	)

	// Multipart upload metrics.
	MultipartUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_multipart_uploads_total",
			Help: "Total number of multipart uploads by outcome",
		},
		[]string{"status"},
	)

	MultipartUploadPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_multipart_upload_parts_total",
			Help: "Total number of uploaded parts by outcome",
		},
		[]string{"status"},
	)

	// Cleanup metrics.
	OrphanedMetadataPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3gw_orphaned_metadata_purged_total",
			Help: "Total number of orphaned object metadata records removed",
		},
	)

	// Authentication metrics.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gw_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
		[]string{"reason"},
	)

	// Server metrics.
	ServerInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s3gw_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3gw_active_connections",
			Help: "Number of active connections",
		},
	)
)

// SetServerInfo sets server build information.
func SetServerInfo(version, commit, buildTime string) {
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RecordStorageOperation records one storage backend call.
func RecordStorageOperation(operation, bucket, status string, duration time.Duration) {
	StorageOperationsTotal.WithLabelValues(operation, bucket, status).Inc()
	StorageOperationDuration.WithLabelValues(operation, bucket).Observe(duration.Seconds())
}

// RecordBytesTransferred records data transfer volume.
func RecordBytesTransferred(direction, operation string, bytes int64) {
	BytesTransferred.WithLabelValues(direction, operation).Add(float64(bytes))
}

// RecordMultipartUpload counts one multipart upload outcome.
func RecordMultipartUpload(status string) {
	MultipartUploadsTotal.WithLabelValues(status).Inc()
}

// RecordMultipartUploadPart counts one uploaded part outcome.
func RecordMultipartUploadPart(status string) {
	MultipartUploadPartsTotal.WithLabelValues(status).Inc()
}

// RecordAuthFailure counts one authentication failure by reason.
func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}
