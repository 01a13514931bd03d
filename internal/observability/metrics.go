package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagec",
		Name:      "work_items_processed_total",
		Help:      "Total number of (image,tile,channel) work items completed",
	}, []string{"outcome"})

	ObjectsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagec",
		Name:      "objects_detected_total",
		Help:      "Total number of ROIs detected across all work items",
	}, []string{"channel"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imagec",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages (load/preprocess/detect/persist)",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imagec",
		Name:      "scheduler_queue_depth",
		Help:      "Number of pending work items in the scheduler's work queue",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imagec",
		Name:      "scheduler_active_workers",
		Help:      "Number of worker goroutines currently running",
	})

	JobProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imagec",
		Name:      "job_progress_ratio",
		Help:      "Finished/total work item ratio for the active job",
	}, []string{"job_id"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imagec",
		Name:      "http_request_duration_seconds",
		Help:      "Control API HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imagec",
		Name:      "controlapi_ws_connections",
		Help:      "Number of active progress-stream WebSocket connections",
	})
)
