// Package metrics provides Prometheus metrics for the ETL service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageRunsTotal tracks stage runs by outcome
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Total number of stage runs by status",
		},
		[]string{"namespace", "table", "stage", "status"},
	)

	// StageDuration tracks stage duration in seconds
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etl",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"namespace", "table", "stage"},
	)

	// StageRecords tracks records handled by a stage
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Total number of records handled by stages",
		},
		[]string{"namespace", "table", "stage"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etl",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// QueueJobsProcessed tracks stage jobs processed from the stream
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "etl",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"namespace", "reason"},
	)

	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// AuthTokenRefreshes tracks source API logins
	AuthTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of auth token refresh operations",
		},
		[]string{"source", "status"},
	)

	// AlertsSent tracks notifications by channel
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "alert",
			Name:      "sent_total",
			Help:      "Total number of alerts sent",
		},
		[]string{"channel", "status"},
	)

	// WarehouseQueryDuration tracks warehouse statements
	WarehouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etl",
			Subsystem: "warehouse",
			Name:      "query_duration_seconds",
			Help:      "Duration of warehouse statements in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"operation"},
	)
)

// RecordStage records a finished stage run
func RecordStage(namespace, table, stage, status string, records int, durationSeconds float64) {
	StageRunsTotal.WithLabelValues(namespace, table, stage, status).Inc()
	StageDuration.WithLabelValues(namespace, table, stage).Observe(durationSeconds)
	if records > 0 {
		StageRecords.WithLabelValues(namespace, table, stage).Add(float64(records))
	}
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

func RecordDLQJob(namespace, reason string) {
	DLQJobsTotal.WithLabelValues(namespace, reason).Inc()
}

func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

func RecordTokenRefresh(source, status string) {
	AuthTokenRefreshes.WithLabelValues(source, status).Inc()
}

func RecordAlert(channel, status string) {
	AlertsSent.WithLabelValues(channel, status).Inc()
}

func RecordWarehouseQuery(operation string, durationSeconds float64) {
	WarehouseQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
