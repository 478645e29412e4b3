package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	gcRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_gc_runs_total",
			Help: "Total number of orphan object GC runs by status.",
		},
		[]string{"status"},
	)
	gcObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_gc_objects_deleted_total",
			Help: "Total number of orphaned dataset objects deleted.",
		},
	)
	gcBytesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_gc_bytes_reclaimed_total",
			Help: "Total bytes of orphaned dataset objects deleted.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_integrity_runs_total",
			Help: "Total number of integrity check runs by status.",
		},
		[]string{"status"},
	)
	integrityDatasetsCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_integrity_datasets_checked_total",
			Help: "Total number of catalog datasets checked against the object store.",
		},
	)
	integrityMissingObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_integrity_missing_objects_total",
			Help: "Total number of catalog datasets whose object was missing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		gcRunsTotal,
		gcObjectsDeletedTotal,
		gcBytesReclaimedTotal,
		integrityRunsTotal,
		integrityDatasetsCheckedTotal,
		integrityMissingObjectsTotal,
	)
}
