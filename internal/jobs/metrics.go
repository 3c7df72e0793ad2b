package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and the
// reconciliation pipeline they drive.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	ingested     *prometheus.CounterVec
	leaseExpired prometheus.Counter
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
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
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

// AddOutcome counts one reconciliation outcome.
func (m *Metrics) AddOutcome(status, reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status, reason).Inc()
}

// AddIngested counts landing rows by insert result.
func (m *Metrics) AddIngested(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingested.WithLabelValues(result).Add(float64(n))
}

// AddLeaseExpired counts rows recovered from an expired claim.
func (m *Metrics) AddLeaseExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leaseExpired.Add(float64(n))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saf_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saf_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saf_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saf_reconciliation_outcomes_total",
		Help: "Reconciliation outcomes grouped by status and incidence reason.",
	}, []string{"status", "reason"})
	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saf_ingest_rows_total",
		Help: "Landing rows offered for ingestion grouped by result.",
	}, []string{"result"})
	leaseExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saf_lease_expired_total",
		Help: "Landing rows returned to the queue after their claim expired.",
	})
	registerer.MustRegister(runs, failures, duration, outcomes, ingested, leaseExpired)
	return &Metrics{
		runs:         runs,
		failures:     failures,
		duration:     duration,
		outcomes:     outcomes,
		ingested:     ingested,
		leaseExpired: leaseExpired,
	}
}
