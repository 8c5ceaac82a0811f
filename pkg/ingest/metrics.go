package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_batches_total",
		Help: "Total batches committed",
	})

	itemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_items_processed_total",
		Help: "Total items ingested across all collections",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_runs_total",
		Help: "Collection runs by outcome",
	}, []string{"outcome"}) // "finished", "failed", "cancelled", "panic"

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archiver_active_jobs",
		Help: "Collection runs currently executing in this process",
	})
)
