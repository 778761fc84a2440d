package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SweepMetrics tracks background sweep job activity.
type SweepMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobProcessed *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

func NewSweepMetrics() *SweepMetrics {
	return &SweepMetrics{
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_sweep_job_runs_total",
			Help: "Sweep job executions by job name.",
		}, []string{"job"}),
		jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_sweep_job_errors_total",
			Help: "Sweep job failures by job name.",
		}, []string{"job"}),
		jobProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skillgate_sweep_entities_processed_total",
			Help: "Entities transitioned by sweep jobs.",
		}, []string{"job"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillgate_sweep_job_duration_seconds",
			Help:    "Sweep job duration by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *SweepMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SweepMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SweepMetrics) AddProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobProcessed.WithLabelValues(job).Add(float64(n))
}

func (m *SweepMetrics) ObserveJobDuration(job string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}
