package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consume outcomes.
const (
	outcomeProcessed    = "processed"
	outcomeDuplicate    = "duplicate"
	outcomeFailed       = "failed"
	outcomeUndecodable  = "undecodable"
	outcomeDeadLettered = "dead_lettered"
)

var (
	messagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "events",
			Name:      "fetched_total",
			Help:      "Messages fetched from the broker.",
		},
		[]string{"topic", "group"},
	)

	messagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Fetched messages by final outcome.",
		},
		[]string{"topic", "group", "outcome"},
	)

	handleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portfolio",
			Subsystem: "events",
			Name:      "handle_seconds",
			Help:      "Time spent handling one message, retries included.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"topic", "group"},
	)

	messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Publish attempts by result.",
		},
		[]string{"topic", "result"},
	)

	publishSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portfolio",
			Subsystem: "events",
			Name:      "publish_seconds",
			Help:      "Duration of broker writes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

func consumed(topic, group, outcome string) {
	messagesConsumed.WithLabelValues(topic, group, outcome).Inc()
}
