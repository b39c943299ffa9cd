package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triagedb_store_records",
		Help: "Number of records in the document after the last completed operation.",
	})
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triagedb_store_document_writes_total",
		Help: "Document write attempts by result.",
	}, []string{"result"})
	metricWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triagedb_store_document_write_duration_seconds",
		Help:    "Latency of verified document writes.",
		Buckets: prometheus.DefBuckets,
	})
	metricWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_write_retries_total",
		Help: "Write attempts that failed and were retried.",
	})
	metricDecryptFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_decrypt_fallback_total",
		Help: "Documents decrypted under a non-current key.",
	})
	metricReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_document_read_failures_total",
		Help: "Reads degraded to an empty document after all keys and backups failed.",
	})
	metricBackups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triagedb_store_backups_total",
		Help: "Backup snapshot attempts by result.",
	}, []string{"result"})
	metricBackupsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_backups_pruned_total",
		Help: "Backup snapshots removed by retention pruning.",
	})
	metricRestores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triagedb_store_restores_total",
		Help: "Backup restore attempts by result.",
	}, []string{"result"})
	metricRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_key_rotations_total",
		Help: "Completed key rotations.",
	})
	metricCleanupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triagedb_store_cleanup_removed_records_total",
		Help: "Records removed by retention cleanup.",
	})
)
