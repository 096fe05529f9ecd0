// Package metrics holds the Prometheus collectors of the generation lifecycle.
// Every method is safe on a nil receiver so callers never guard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Lifecycle struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	refunded  *prometheus.CounterVec
	conflicts prometheus.Counter
}

func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	if reg == nil {
		return &Lifecycle{}
	}
	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_started_total",
		Help: "Generations submitted to a provider.",
	}, []string{"kind", "provider"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_completed_total",
		Help: "Generations that reached COMPLETED.",
	}, []string{"kind"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_failed_total",
		Help: "Generations that reached FAILED, by reason.",
	}, []string{"kind", "reason"})
	refunded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_refunded_total",
		Help: "Credits returned to users.",
	}, []string{"kind"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_cas_conflicts_total",
		Help: "Status transitions lost to a concurrent writer.",
	})
	reg.MustRegister(started, completed, failed, refunded, conflicts)
	return &Lifecycle{
		started:   started,
		completed: completed,
		failed:    failed,
		refunded:  refunded,
		conflicts: conflicts,
	}
}

func (l *Lifecycle) Started(kind, provider string) {
	if l == nil || l.started == nil {
		return
	}
	l.started.WithLabelValues(normalizeLabel(kind), normalizeLabel(provider)).Inc()
}

func (l *Lifecycle) Completed(kind string) {
	if l == nil || l.completed == nil {
		return
	}
	l.completed.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (l *Lifecycle) Failed(kind, reason string) {
	if l == nil || l.failed == nil {
		return
	}
	l.failed.WithLabelValues(normalizeLabel(kind), normalizeLabel(reason)).Inc()
}

func (l *Lifecycle) Refunded(kind string, amount int) {
	if l == nil || l.refunded == nil || amount <= 0 {
		return
	}
	l.refunded.WithLabelValues(normalizeLabel(kind)).Add(float64(amount))
}

func (l *Lifecycle) Conflict() {
	if l == nil || l.conflicts == nil {
		return
	}
	l.conflicts.Inc()
}

// CronJobMetrics records metadata for scheduled jobs.
type CronJobMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Duration of cron jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_success",
		Help: "Successful cron job executions.",
	}, []string{"job"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_failure",
		Help: "Failed cron job executions.",
	}, []string{"job"})
	reg.MustRegister(duration, success, failure)
	return &CronJobMetrics{duration: duration, success: success, failure: failure}
}

func (c *CronJobMetrics) ObserveDuration(job string, duration time.Duration) {
	if c == nil || c.duration == nil {
		return
	}
	c.duration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
}

func (c *CronJobMetrics) IncSuccess(job string) {
	if c == nil || c.success == nil {
		return
	}
	c.success.WithLabelValues(normalizeLabel(job)).Inc()
}

func (c *CronJobMetrics) IncFailure(job string) {
	if c == nil || c.failure == nil {
		return
	}
	c.failure.WithLabelValues(normalizeLabel(job)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
