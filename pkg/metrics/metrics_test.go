package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewJobMetrics(reg)
	job := "outbox_sweep"
	metrics.ObserveDuration(job, 250*time.Millisecond)
	metrics.IncSuccess(job)
	metrics.IncFailure(job)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "orderflow_job_success_total", "job", job); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "orderflow_job_failure_total", "job", job); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "orderflow_job_duration_seconds", "job", job); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestOutboxMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.IncSaved("order_created")
	m.ObserveRecord("order_created", OutcomeRetry)
	m.ObserveRecord("order_created", OutcomeRetry)
	m.ObserveRecord("order_created", OutcomeCompleted)
	m.AddReleased(3)
	m.AddReleased(0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "orderflow_outbox_saved_total", "event_type", "order_created"); err != nil || got != 1 {
		t.Fatalf("expected saved=1, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "orderflow_outbox_processed_total", "outcome", OutcomeRetry); err != nil || got != 2 {
		t.Fatalf("expected retry=2, got %f (%v)", got, err)
	}
	released := findMetricFamily(mfs, "orderflow_outbox_stale_claims_released_total")
	if released == nil || released.GetMetric()[0].GetCounter().GetValue() != 3 {
		t.Fatalf("expected released=3")
	}
}

func TestSagaMetricsCountPublishResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSagaMetrics(reg)
	m.IncPublish("order-events", "outboxed")
	m.IncStep("create", "created")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "orderflow_saga_publish_total", "result", "outboxed"); err != nil || got != 1 {
		t.Fatalf("expected outboxed=1, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "orderflow_saga_steps_total", "operation", "create"); err != nil || got != 1 {
		t.Fatalf("expected create=1, got %f (%v)", got, err)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var jobs *JobMetrics
	jobs.IncSuccess("x")
	NewJobMetrics(nil).ObserveDuration("x", time.Second)

	var outbox *OutboxMetrics
	outbox.ObserveRecord("x", OutcomeFailed)
	NewOutboxMetrics(nil).IncSaved("x")

	var saga *SagaMetrics
	saga.IncPublish("t", "published")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
