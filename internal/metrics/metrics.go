// Package metrics provides the Prometheus metrics pstkit exposes for a
// running database: commit outcomes, AMap occupancy, block/node churn, and
// heap/BTH activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram pstkit registers.
type Metrics struct {
	CommitsTotal    *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
	ContextsOpen    prometheus.Gauge

	AMapAllocationsTotal *prometheus.CounterVec
	AMapFreeSlots        prometheus.Gauge

	BlocksTotal      prometheus.Gauge
	BlockStoreBytes  prometheus.Gauge

	NodeReadsTotal  prometheus.Counter
	NodeWritesTotal prometheus.Counter

	HeapItemsTotal prometheus.Gauge
	BTHSplitsTotal prometheus.Counter
}

// New creates and registers pstkit's metric set.
func New() *Metrics {
	m := &Metrics{}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pstkit_commits_total",
			Help: "Total number of database context commits",
		},
		[]string{"context", "status"},
	)

	m.CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pstkit_commit_duration_seconds",
			Help:    "Duration of context commits in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	m.ContextsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstkit_contexts_open",
			Help: "Number of currently open database contexts",
		},
	)

	m.AMapAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pstkit_amap_allocations_total",
			Help: "Total number of AMap slot allocations and frees",
		},
		[]string{"operation"},
	)

	m.AMapFreeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstkit_amap_free_slots",
			Help: "Current number of free 64-byte AMap slots",
		},
	)

	m.BlocksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstkit_blocks_total",
			Help: "Total number of live blocks in the BBT",
		},
	)

	m.BlockStoreBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstkit_block_store_bytes",
			Help: "Total bytes occupied by live block payloads",
		},
	)

	m.NodeReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pstkit_node_reads_total",
			Help: "Total number of node byte-stream reads",
		},
	)

	m.NodeWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pstkit_node_writes_total",
			Help: "Total number of node byte-stream writes",
		},
	)

	m.HeapItemsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pstkit_heap_items_total",
			Help: "Total number of live heap items across open heaps",
		},
	)

	m.BTHSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pstkit_bth_splits_total",
			Help: "Total number of BTH page splits",
		},
	)

	return m
}

// RecordCommit records one context commit with its outcome and duration.
func (m *Metrics) RecordCommit(contextID string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "conflict"
	}
	m.CommitsTotal.WithLabelValues(contextID, status).Inc()
	m.CommitDuration.Observe(duration.Seconds())
}

// RecordAMapOp records an allocate or free operation.
func (m *Metrics) RecordAMapOp(operation string) {
	m.AMapAllocationsTotal.WithLabelValues(operation).Inc()
}
