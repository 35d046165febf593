package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orderflow"

// JobMetrics records runs of periodic or scheduled work: outbox sweeps and
// shipment progression steps.
type JobMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
}

// NewJobMetrics registers the job metrics on the provided registerer.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of background jobs in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_success_total",
		Help:      "Successful background job executions.",
	}, []string{"job"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_failure_total",
		Help:      "Failed background job executions.",
	}, []string{"job"})
	reg.MustRegister(duration, success, failure)
	return &JobMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
	}
}

// ObserveDuration records the duration for the named job.
func (j *JobMetrics) ObserveDuration(job string, duration time.Duration) {
	if j == nil || j.duration == nil {
		return
	}
	j.duration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
}

// IncSuccess increments the success counter for the named job.
func (j *JobMetrics) IncSuccess(job string) {
	if j == nil || j.success == nil {
		return
	}
	j.success.WithLabelValues(normalizeLabel(job)).Inc()
}

// IncFailure increments the failure counter for the named job.
func (j *JobMetrics) IncFailure(job string) {
	if j == nil || j.failure == nil {
		return
	}
	j.failure.WithLabelValues(normalizeLabel(job)).Inc()
}

// Outcome labels for OutboxMetrics.ObserveRecord.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// OutboxMetrics tracks what happens to outbox records.
type OutboxMetrics struct {
	saved     *prometheus.CounterVec
	processed *prometheus.CounterVec
	released  prometheus.Counter
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	saved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "saved_total",
		Help:      "Events diverted to the outbox after a failed publish.",
	}, []string{"event_type"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "processed_total",
		Help:      "Outbox records handled by the reprocessor, by outcome.",
	}, []string{"event_type", "outcome"})
	released := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "stale_claims_released_total",
		Help:      "Processing records returned to pending after their claim expired.",
	})
	reg.MustRegister(saved, processed, released)
	return &OutboxMetrics{saved: saved, processed: processed, released: released}
}

func (o *OutboxMetrics) IncSaved(eventType string) {
	if o == nil || o.saved == nil {
		return
	}
	o.saved.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (o *OutboxMetrics) ObserveRecord(eventType, outcome string) {
	if o == nil || o.processed == nil {
		return
	}
	o.processed.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (o *OutboxMetrics) AddReleased(n int64) {
	if o == nil || o.released == nil || n <= 0 {
		return
	}
	o.released.Add(float64(n))
}

// SagaMetrics counts saga step outcomes and how their events left the
// process.
type SagaMetrics struct {
	steps   *prometheus.CounterVec
	publish *prometheus.CounterVec
}

func NewSagaMetrics(reg prometheus.Registerer) *SagaMetrics {
	if reg == nil {
		return &SagaMetrics{}
	}
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "steps_total",
		Help:      "Saga steps by operation and result.",
	}, []string{"operation", "result"})
	publish := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "publish_total",
		Help:      "Event publishes by topic and result (published or outboxed).",
	}, []string{"topic", "result"})
	reg.MustRegister(steps, publish)
	return &SagaMetrics{steps: steps, publish: publish}
}

func (s *SagaMetrics) IncStep(operation, result string) {
	if s == nil || s.steps == nil {
		return
	}
	s.steps.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

func (s *SagaMetrics) IncPublish(topic, result string) {
	if s == nil || s.publish == nil {
		return
	}
	s.publish.WithLabelValues(normalizeLabel(topic), normalizeLabel(result)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
