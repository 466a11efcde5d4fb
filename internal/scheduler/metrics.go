package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the scheduler's Prometheus instrumentation,
// grounded on the retrieval pack's alert-history and stoker-operator
// services, both of which instrument their reconcile/sync loops this way.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RecordsSyncedTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers the scheduler's metric vectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid colliding
// with the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basesync_runs_total",
			Help: "Total number of sync runs, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		RunDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basesync_run_duration_seconds",
			Help:    "Wall-clock duration of a sync run, by direction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		RecordsSyncedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "basesync_records_synced_total",
			Help: "Total records added, updated, or deleted, by sync config.",
		}, []string{"sync_config_id"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDurationSeconds, m.RecordsSyncedTotal)
	return m
}
