package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_cache_reads_total",
		Help: "Resource reads, by whether the cache answered them.",
	}, []string{"result"}) // hit, miss, error
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_writes_total",
		Help: "Finished write operations, by final status.",
	}, []string{"status"})
	writeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_write_attempts_total",
		Help: "Individual write attempts, by result.",
	}, []string{"result"})
	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vellum_write_attempt_duration_seconds",
		Help:    "Duration of a single write attempt, backup included.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_backups_total",
		Help: "Pre-write backups, by result.",
	}, []string{"result"}) // captured, skipped, error
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vellum_write_queue_length",
		Help: "Write operations waiting to be started.",
	})
)
