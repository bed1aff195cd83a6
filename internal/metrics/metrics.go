// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal counts finished batch runs by terminal state.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medallion_batches_total",
		Help: "Total number of batch runs by terminal state",
	}, []string{"state"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medallion_batch_duration_seconds",
		Help:    "Wall-clock duration of batch runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	// RowsIngested counts raw rows appended to bronze per source.
	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medallion_bronze_rows_ingested_total",
		Help: "Total number of raw rows appended to bronze",
	}, []string{"source"})

	SilverRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medallion_silver_rows_written_total",
		Help: "Total number of canonical rows written to silver",
	}, []string{"source"})

	// Rejections counts quarantined records per source and kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medallion_rejections_total",
		Help: "Total number of quarantined records",
	}, []string{"source", "kind"})

	// GoldUpserts counts dimension and fact upserts per table and outcome.
	GoldUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medallion_gold_upserts_total",
		Help: "Total number of gold upserts by table and outcome",
	}, []string{"table", "outcome"})

	// QueryDuration times every warehouse call. It backs the query-credit report.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medallion_warehouse_query_duration_seconds",
		Help:    "Duration of warehouse calls by backend and operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})
)
