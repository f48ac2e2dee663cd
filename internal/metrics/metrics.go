// Package metrics declares the Prometheus collectors shared by the cache and
// download layers. Collectors register with the default registry on import
// and are exposed by the server under /-/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anyimage_cache_queries_total",
		Help: "Cache queries by the tier that served them (memory, disk, none)",
	}, []string{"tier"})

	MemoryEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anyimage_memory_evictions_total",
		Help: "Entries evicted from the memory tier by cost or count limits",
	})

	MemoryFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anyimage_memory_flushes_total",
		Help: "Full memory-tier flushes triggered by memory pressure",
	})

	DiskWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anyimage_disk_writes_total",
		Help: "Disk tier writes by result",
	}, []string{"result"})

	DiskPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anyimage_disk_pruned_files_total",
		Help: "Files removed by disk cleanup, by phase (age, size)",
	}, []string{"phase"})

	DiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anyimage_disk_usage_bytes",
		Help: "Bytes in the writable disk tier after the most recent cleanup",
	})

	DownloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anyimage_downloads_active",
		Help: "Download operations currently holding a worker slot",
	})

	DownloadsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anyimage_downloads_queued",
		Help: "Download operations waiting for a worker slot",
	})

	DownloadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anyimage_downloads_finished_total",
		Help: "Download operations by terminal state (succeeded, failed, cancelled)",
	}, []string{"state"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anyimage_download_bytes_total",
		Help: "Bytes received from upstream",
	})
)
