package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	datasetUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_dataset_uploads_total",
			Help: "Total number of dataset uploads by source format and outcome.",
		},
		[]string{"format", "outcome"},
	)
	datasetUploadRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_dataset_upload_rows",
			Help:    "Row count of accepted dataset uploads.",
			Buckets: prometheus.ExponentialBuckets(10, 10, 7),
		},
	)
	datasetEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_dataset_evictions_total",
			Help: "Total number of datasets evicted by reason.",
		},
		[]string{"reason"},
	)
	synthesisRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_synthesis_requests_total",
			Help: "Total number of model synthesis calls by kind, provider and outcome.",
		},
		[]string{"kind", "provider", "outcome"},
	)
	synthesisLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletalk_synthesis_latency_ms",
			Help:    "Model synthesis latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"kind"},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_executions_total",
			Help: "Total number of fragment executions by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletalk_execution_latency_ms",
			Help:    "Fragment execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"phase"},
	)
	interactionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_interaction_transitions_total",
			Help: "Total number of pending interaction transitions by kind and operation.",
		},
		[]string{"kind", "operation", "outcome"},
	)
	pendingInteractionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_pending_interactions_expired_total",
			Help: "Total number of pending interactions removed by the maintenance sweep.",
		},
	)
	maintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_maintenance_runs_total",
			Help: "Total number of maintenance runs by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		datasetUploadsTotal,
		datasetUploadRows,
		datasetEvictionsTotal,
		synthesisRequestsTotal,
		synthesisLatencyMs,
		executionsTotal,
		executionLatencyMs,
		interactionTransitionsTotal,
		pendingInteractionsExpiredTotal,
		maintenanceRunsTotal,
	)
}

func ObserveDatasetUpload(format, outcome string, rows int64) {
	datasetUploadsTotal.WithLabelValues(format, outcome).Inc()
	if outcome == "ok" {
		datasetUploadRows.Observe(float64(rows))
	}
}

func AddDatasetEvictions(reason string, count int) {
	if count <= 0 {
		return
	}
	datasetEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}

func ObserveSynthesis(kind, provider, outcome string, elapsed time.Duration) {
	synthesisRequestsTotal.WithLabelValues(kind, provider, outcome).Inc()
	synthesisLatencyMs.WithLabelValues(kind).Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecution(phase, outcome string, elapsed time.Duration) {
	executionsTotal.WithLabelValues(phase, outcome).Inc()
	executionLatencyMs.WithLabelValues(phase).Observe(float64(elapsed.Milliseconds()))
}

func ObserveInteractionTransition(kind, operation, outcome string) {
	interactionTransitionsTotal.WithLabelValues(kind, operation, outcome).Inc()
}

func AddExpiredInteractions(count int) {
	if count <= 0 {
		return
	}
	pendingInteractionsExpiredTotal.Add(float64(count))
}

func ObserveMaintenanceRun(outcome string) {
	maintenanceRunsTotal.WithLabelValues(outcome).Inc()
}
