/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunTerminal(t *testing.T) {
	RecordRunTerminal("done", "succeeded", 42*time.Second)

	val := getCounterValue(RunsTotal, "done", "succeeded")
	if val < 1 {
		t.Errorf("RunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RunDurationSeconds, "succeeded")
	if count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordAgentInvocation(t *testing.T) {
	RecordAgentInvocation("claude-code", "succeeded")
	RecordAgentInvocation("claude-code", "succeeded")

	val := getCounterValue(AgentInvocationsTotal, "claude-code", "succeeded")
	if val < 2 {
		t.Errorf("AgentInvocationsTotal = %f, want >= 2", val)
	}
}

func TestRecordGateEvaluation(t *testing.T) {
	RecordGateEvaluation("ci_status", "pass")

	val := getCounterValue(GateEvaluationsTotal, "ci_status", "pass")
	if val < 1 {
		t.Errorf("GateEvaluationsTotal = %f, want >= 1", val)
	}
}

func TestRecordWorktreeOp(t *testing.T) {
	RecordWorktreeOp("create", "ok")
	RecordWorktreeOp("create", "ok")

	val := getCounterValue(WorktreeOpsTotal, "create", "ok")
	if val < 2 {
		t.Errorf("WorktreeOpsTotal = %f, want >= 2", val)
	}
}

func TestRecordOutboxWrite(t *testing.T) {
	RecordOutboxWrite("comment", "delivered", 5*time.Second)

	val := getCounterValue(OutboxWritesTotal, "comment", "delivered")
	if val < 1 {
		t.Errorf("OutboxWritesTotal = %f, want >= 1", val)
	}
	count := getHistogramCount2(OutboxPendingAgeSeconds)
	if count < 1 {
		t.Errorf("OutboxPendingAgeSeconds sample count = %d, want >= 1", count)
	}
}

func getHistogramCount2(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if err := h.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordWebhookDelivery(t *testing.T) {
	RecordWebhookDelivery("check_run", "accepted")

	val := getCounterValue(WebhookDeliveriesTotal, "check_run", "accepted")
	if val < 1 {
		t.Errorf("WebhookDeliveriesTotal = %f, want >= 1", val)
	}
}

func TestRecordQueueJob(t *testing.T) {
	RecordQueueJob("run.start", "success", 3*time.Second)

	val := getCounterValue(QueueJobsTotal, "run.start", "success")
	if val < 1 {
		t.Errorf("QueueJobsTotal = %f, want >= 1", val)
	}
	count := getHistogramCount(QueueJobDurationSeconds, "run.start")
	if count < 1 {
		t.Errorf("QueueJobDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("default", 7)
	val := getGaugeVecValue(QueueDepth, "default")
	if val != 7 {
		t.Errorf("QueueDepth = %f, want 7", val)
	}
	SetQueueDepth("default", 2)
	val = getGaugeVecValue(QueueDepth, "default")
	if val != 2 {
		t.Errorf("QueueDepth after update = %f, want 2", val)
	}
}

func TestActiveRunsGauge(t *testing.T) {
	ActiveRuns.Set(0)
	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	RecordRunTerminal("done", "succeeded", time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "conductor_runs_total") {
		t.Fatalf("expected exposition to contain conductor_runs_total, got %s", rec.Body.String())
	}
}
