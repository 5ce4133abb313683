package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes.
const (
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	outcomeRejected  = "rejected"
)

var (
	createAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_create_attempts_total",
			Help: "Create attempts by outcome",
		},
		[]string{"outcome"},
	)

	createAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfolio_create_attempt_duration_seconds",
			Help:    "Duration of create attempts by outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	imagesClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_images_classified_total",
			Help: "Submitted image candidates by classification",
		},
		[]string{"decision"},
	)

	blobCleanupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_blob_cleanup_total",
			Help: "Blob deletions performed after an abort or an item delete, by result",
		},
		[]string{"flow", "result"},
	)

	itemsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_items_deleted_total",
			Help: "Items removed by the delete flow",
		},
	)
)
