package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_cache_hits_total",
		Help: "Total number of in-memory tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_cache_misses_total",
		Help: "Total number of tile cache misses",
	})

	DiskHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_disk_hits_total",
		Help: "Total number of tiles served from the on-disk store",
	})

	CacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_cache_stores_total",
		Help: "Total number of tiles written into the in-memory cache",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_cache_evictions_total",
		Help: "Total number of tiles evicted from the in-memory cache",
	})

	Downloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepane_downloads_total",
		Help: "Total number of completed tile downloads",
	})

	DownloadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilepane_download_failures_total",
		Help: "Total number of failed tile downloads by cause",
	}, []string{"cause"})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilepane_download_duration_seconds",
		Help:    "Duration of tile downloads in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)
