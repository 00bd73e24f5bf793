// Package metrics exposes the Prometheus metrics emitted by the sink,
// publisher, and transfer engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsConsumedTotal counts messages delivered to the sink, by action
	// and terminal outcome (ack, ack_failed, filtered, nack_drop,
	// nack_requeue, abandoned).
	JobsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasink_jobs_consumed_total",
			Help: "Total number of jobs delivered to the sink",
		},
		[]string{"action", "outcome"},
	)

	// JobDuration tracks how long a worker spent handling one job.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasink_job_duration_seconds",
			Help:    "Duration of job handling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"action"},
	)

	// WorkersActive tracks the number of workers currently handling a job.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasink_workers_active",
			Help: "Number of worker goroutines currently processing a job",
		},
	)

	// WorkQueueDepth tracks the current depth of the sink's internal
	// bounded work queue.
	WorkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasink_work_queue_depth",
			Help: "Number of work units currently buffered in the sink",
		},
	)

	// TransfersTotal counts completed transfers by method and result (ok,
	// error).
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasink_transfers_total",
			Help: "Total number of file transfers attempted",
		},
		[]string{"method", "result"},
	)

	// TransferBytes tracks bytes moved per successful transfer.
	TransferBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasink_transfer_bytes",
			Help:    "Size in bytes of completed transfers",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 16),
		},
		[]string{"method"},
	)

	// TransferDuration tracks wall-clock transfer time.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasink_transfer_duration_seconds",
			Help:    "Duration of file transfers in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"method"},
	)

	// PublishedTotal counts jobs successfully published, by topic.
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasink_published_total",
			Help: "Total number of jobs published to the broker",
		},
		[]string{"topic"},
	)

	// PublishRequeuedTotal counts jobs requeued locally after a publish
	// failure, which is the publisher's only loss-avoidance mechanism.
	PublishRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "datasink_publish_requeued_total",
			Help: "Total number of jobs requeued locally after a failed publish",
		},
	)

	// ReconnectsTotal counts broker reconnection attempts, by component.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasink_broker_reconnects_total",
			Help: "Total number of broker reconnection attempts",
		},
		[]string{"component"},
	)

	// DLXMessagesTotal counts messages observed on the dead-letter queue.
	DLXMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "datasink_dlx_messages_total",
			Help: "Total number of messages observed on the dead-letter queue",
		},
	)
)
