// Package metrics exposes Prometheus instrumentation for the data grid.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EvictionsTotal counts evicted entries by region and applied action
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_evictions_total",
			Help: "Total number of entries evicted, by region and eviction action",
		},
		[]string{"region", "action"},
	)

	// EvictionPressureTotal counts writes that could not bring usage back
	// under the configured limit because every candidate was pinned
	EvictionPressureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_eviction_pressure_total",
			Help: "Total number of pressure conditions (no evictable candidate while over limit)",
		},
		[]string{"region"},
	)

	// EvictionDurationSeconds measures the latency of eviction passes
	EvictionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datagrid_eviction_duration_seconds",
			Help:    "Duration of eviction passes triggered by writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)

	// RegionUsage tracks the controller's running usage total per region.
	// The unit depends on the region's eviction algorithm: bytes for
	// memory-size, entries for entry-count.
	RegionUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datagrid_region_usage",
			Help: "Current occupancy tracked by the eviction controller",
		},
		[]string{"region"},
	)

	// OverflowSpillsTotal counts spill operations by status
	OverflowSpillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_overflow_spills_total",
			Help: "Total number of overflow spill operations",
		},
		[]string{"region", "status"},
	)

	// OverflowFetchesTotal counts fetch operations by status
	OverflowFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_overflow_fetches_total",
			Help: "Total number of overflow fetch operations",
		},
		[]string{"region", "status"},
	)

	// OverflowBytesWritten tracks bytes appended to overflow logs
	OverflowBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_overflow_bytes_written_total",
			Help: "Total bytes appended to overflow logs",
		},
		[]string{"region"},
	)

	// OverflowFlushDurationSeconds measures overflow log flush latency
	OverflowFlushDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datagrid_overflow_flush_duration_seconds",
			Help:    "Duration of overflow log flushes",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// ExpiredEntriesTotal counts entries removed by TTL cleanup
	ExpiredEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagrid_expired_entries_total",
			Help: "Total number of entries removed because their TTL elapsed",
		},
		[]string{"region"},
	)
)
