/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics exported by the control
// plane and worker processes.
//
// Metrics are registered against a private registry rather than the global
// default, so the control plane and a worker running in the same process
// (as in tests) never collide on a metric name. Handler serves the
// registry's content in the standard exposition format.
//
// Metric naming follows Prometheus conventions:
//   - conductor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the private collector registry all metrics below are
// registered against.
var Registry = prometheus.NewRegistry()

var (
	// RunsTotal counts runs by terminal phase and result.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Total number of runs by terminal phase and result.",
		},
		[]string{"phase", "result"},
	)

	// RunDurationSeconds is a histogram of run duration from creation to
	// terminal phase, labeled by result.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Duration of runs in seconds, from creation to terminal phase.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"result"},
	)

	// ActiveRuns is the number of runs currently in a non-terminal phase.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Number of runs currently in a non-terminal phase.",
		},
	)

	// AgentInvocationsTotal counts agent invocations by kind and outcome.
	AgentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_invocations_total",
			Help: "Total agent invocations by agent kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// GateEvaluationsTotal counts gate evaluations by gate kind and decision.
	GateEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gate_evaluations_total",
			Help: "Total gate evaluations by gate kind and decision.",
		},
		[]string{"kind", "decision"},
	)

	// WorktreesActive is the number of worktrees currently checked out on disk.
	WorktreesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_worktrees_active",
			Help: "Number of worktrees currently checked out on disk.",
		},
	)

	// WorktreeOpsTotal counts worktree lifecycle operations by kind and outcome.
	WorktreeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_worktree_operations_total",
			Help: "Total worktree operations by operation kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// OutboxWritesTotal counts forge write attempts recorded through the
	// outbox, by target kind and outcome.
	OutboxWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_outbox_writes_total",
			Help: "Total outbox-mediated forge writes by target kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// OutboxPendingAgeSeconds observes, at flush time, how long an outbox
	// entry waited between creation and the attempt that resolved it.
	OutboxPendingAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_outbox_pending_age_seconds",
			Help:    "Age of an outbox entry, in seconds, at the time its flush attempt resolved.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	// WebhookDeliveriesTotal counts inbound webhook deliveries by event type
	// and outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_webhook_deliveries_total",
			Help: "Total inbound webhook deliveries by event type and outcome.",
		},
		[]string{"event_type", "outcome"},
	)

	// QueueJobsTotal counts queue job completions by job kind and outcome.
	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_queue_jobs_total",
			Help: "Total queue jobs processed by job kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// QueueJobDurationSeconds is a histogram of job handler duration by kind.
	QueueJobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_queue_job_duration_seconds",
			Help:    "Duration of queue job handler execution in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"kind"},
	)

	// QueueDepth is the number of jobs currently queued, by queue name.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Number of jobs currently queued, by queue name.",
		},
		[]string{"queue"},
	)

	// SSEConnectionsActive is the number of open event-stream connections.
	SSEConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_sse_connections_active",
			Help: "Number of currently open server-sent event stream connections.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		ActiveRuns,
		AgentInvocationsTotal,
		GateEvaluationsTotal,
		WorktreesActive,
		WorktreeOpsTotal,
		OutboxWritesTotal,
		OutboxPendingAgeSeconds,
		WebhookDeliveriesTotal,
		QueueJobsTotal,
		QueueJobDurationSeconds,
		QueueDepth,
		SSEConnectionsActive,
	)
}

// Handler serves the registry's metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRunTerminal records a run's terminal phase, result, and total
// duration from creation.
func RecordRunTerminal(phase, result string, duration time.Duration) {
	RunsTotal.WithLabelValues(phase, result).Inc()
	RunDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordAgentInvocation records the outcome of a single agent invocation.
func RecordAgentInvocation(kind, outcome string) {
	AgentInvocationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordGateEvaluation records a gate's decision.
func RecordGateEvaluation(kind, decision string) {
	GateEvaluationsTotal.WithLabelValues(kind, decision).Inc()
}

// RecordWorktreeOp records a worktree lifecycle operation's outcome.
func RecordWorktreeOp(op, outcome string) {
	WorktreeOpsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordOutboxWrite records an outbox flush attempt's outcome and, if age
// is non-zero, the entry's pending age at resolution.
func RecordOutboxWrite(kind, outcome string, age time.Duration) {
	OutboxWritesTotal.WithLabelValues(kind, outcome).Inc()
	if age > 0 {
		OutboxPendingAgeSeconds.Observe(age.Seconds())
	}
}

// RecordWebhookDelivery records an inbound webhook delivery's outcome.
func RecordWebhookDelivery(eventType, outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordQueueJob records a queue job handler's outcome and duration.
func RecordQueueJob(kind, outcome string, duration time.Duration) {
	QueueJobsTotal.WithLabelValues(kind, outcome).Inc()
	QueueJobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth records the current depth of a named queue.
func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
