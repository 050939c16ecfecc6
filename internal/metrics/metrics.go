// Package metrics holds the Prometheus collectors shared by the producer and
// sink binaries. Every series is labelled by feed name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opendata"

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poll iterations by outcome",
		},
		[]string{"feed", "outcome"},
	)

	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of a poll iteration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	RecordsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_emitted_total",
			Help:      "Records emitted by the reconciler",
		},
		[]string{"feed"},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Upstream rows dropped for missing id, timestamp or fingerprint",
		},
		[]string{"feed"},
	)

	Watermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Committed watermark as unix seconds",
		},
		[]string{"feed"},
	)

	ProduceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "produce_total",
			Help:      "Produce completions by result",
		},
		[]string{"topic", "result"},
	)

	DLQEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_enqueued_total",
			Help:      "Messages written to the dead-letter queue",
		},
		[]string{"topic"},
	)

	DLQRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_retried_total",
			Help:      "Messages drained from the dead-letter queue and produced again",
		},
		[]string{"topic"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Entries currently in the dead-letter queue",
		},
		[]string{"topic"},
	)

	ThrottleSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_seconds_total",
			Help:      "Time spent throttling produce calls",
		},
		[]string{"topic"},
	)

	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream HTTP attempts by status code (\"error\" for transport failures)",
		},
		[]string{"status"},
	)

	SinkRowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_rows_upserted_total",
			Help:      "Rows upserted into the time-series store",
		},
		[]string{"table"},
	)

	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Sink failures by stage",
		},
		[]string{"table", "stage"},
	)
)

func init() {
	prometheus.MustRegister(
		PollsTotal,
		PollDuration,
		RecordsEmitted,
		RecordsDropped,
		Watermark,
		ProduceTotal,
		DLQEnqueued,
		DLQRetried,
		DLQDepth,
		ThrottleSeconds,
		UpstreamRequests,
		SinkRowsUpserted,
		SinkErrors,
	)
}
