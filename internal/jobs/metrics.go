package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	recomputes *prometheus.CounterVec
	gaps       *prometheus.CounterVec
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

// AddRecomputes counts week recomputes of a bar by outcome.
func (m *Metrics) AddRecomputes(barID int64, succeeded, failed int) {
	if m == nil {
		return
	}
	bar := formatInt(barID)
	if succeeded > 0 {
		m.recomputes.WithLabelValues(bar, "ok").Add(float64(succeeded))
	}
	if failed > 0 {
		m.recomputes.WithLabelValues(bar, "failed").Add(float64(failed))
	}
}

// AddGap counts recomputed weeks by gap classification.
func (m *Metrics) AddGap(barID int64, class string) {
	if m == nil || class == "" {
		return
	}
	m.gaps.WithLabelValues(formatInt(barID), class).Inc()
}

func formatInt(v int64) string {
	if v <= 0 {
		return "0"
	}
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cmv_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cmv_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cmv_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	recomputes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cmv_week_recomputes_total",
		Help: "Week recomputes performed by jobs grouped by bar and outcome.",
	}, []string{"bar", "outcome"})
	gaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cmv_gap_classifications_total",
		Help: "Recomputed weeks grouped by bar and gap classification.",
	}, []string{"bar", "class"})
	registerer.MustRegister(runs, failures, duration, recomputes, gaps)
	return &Metrics{runs: runs, failures: failures, duration: duration, recomputes: recomputes, gaps: gaps}
}
