// Package metrics holds the Prometheus instruments for job throughput and
// execution time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobqueue"

// Outcome labels for JobDuration.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	Enqueued  *prometheus.CounterVec
	Claimed   *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Reclaimed prometheus.Counter
	InFlight  prometheus.Gauge
	Duration  *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"job_type"})
	}

	m := &Metrics{
		Enqueued:  counter("jobs_enqueued_total", "Jobs accepted for execution."),
		Claimed:   counter("jobs_claimed_total", "Jobs claimed by a worker."),
		Completed: counter("jobs_completed_total", "Jobs that finished successfully."),
		Retried:   counter("jobs_retried_total", "Failed attempts scheduled for another try."),
		Failed:    counter("jobs_failed_total", "Jobs that failed terminally."),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Processing jobs recovered after their claim expired.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this process.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job_type", "outcome"}),
	}

	reg.MustRegister(m.Enqueued, m.Claimed, m.Completed, m.Retried, m.Failed,
		m.Reclaimed, m.InFlight, m.Duration)
	return m
}

func (m *Metrics) JobEnqueued(jobType string) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobClaimed(jobType string) {
	if m == nil {
		return
	}
	m.Claimed.WithLabelValues(jobType).Inc()
	m.InFlight.Inc()
}

// JobFinished records one execution. outcome is one of the Outcome constants.
func (m *Metrics) JobFinished(jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Duration.WithLabelValues(jobType, outcome).Observe(elapsed.Seconds())
	switch outcome {
	case OutcomeCompleted:
		m.Completed.WithLabelValues(jobType).Inc()
	case OutcomeRetried:
		m.Retried.WithLabelValues(jobType).Inc()
	default:
		m.Failed.WithLabelValues(jobType).Inc()
	}
}

// JobDropped releases the in-flight slot of an execution whose outcome could
// not be persisted.
func (m *Metrics) JobDropped() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// JobReclaimed records a reaper transition; terminal ones also count as failed.
func (m *Metrics) JobReclaimed(jobType string, terminal bool) {
	if m == nil {
		return
	}
	m.Reclaimed.Inc()
	if terminal {
		m.Failed.WithLabelValues(jobType).Inc()
	} else {
		m.Retried.WithLabelValues(jobType).Inc()
	}
}
