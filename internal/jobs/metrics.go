// Package jobmetrics exposes Prometheus collectors shared by background jobs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	discrepancies prometheus.Counter
	lowStock      prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration and success/failure counts,
// and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddDiscrepancies counts positions that disagree with their ledger.
func (m *Metrics) AddDiscrepancies(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discrepancies.Add(float64(count))
}

// IncLowStock counts a processed low-stock alert.
func (m *Metrics) IncLowStock() {
	if m == nil {
		return
	}
	m.lowStock.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	discrepancies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_ledger_discrepancies_total",
		Help: "Inventory positions found out of step with the stock ledger.",
	})
	lowStock := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_low_stock_alerts_total",
		Help: "Low-stock alerts processed by the worker.",
	})
	registerer.MustRegister(runs, failures, duration, discrepancies, lowStock)
	return &Metrics{runs: runs, failures: failures, duration: duration, discrepancies: discrepancies, lowStock: lowStock}
}
