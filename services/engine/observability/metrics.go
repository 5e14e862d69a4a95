// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the engine.
//
// # Description
//
// One Metrics value carries every collector. It satisfies the small observer
// interfaces declared by the batch, cascade, generation, jobs, notify and
// ttl packages, so those packages never import Prometheus directly.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "netcontrol"

// Metrics holds all engine collectors.
type Metrics struct {
	// BatchItemsTotal counts items by kind, operation and outcome.
	// Labels: kind, op (create, edit, delete), outcome (written, skipped)
	BatchItemsTotal *prometheus.CounterVec

	// BatchChunksTotal counts committed chunks.
	BatchChunksTotal *prometheus.CounterVec

	// BatchDurationSeconds measures whole mutation requests.
	BatchDurationSeconds *prometheus.HistogramVec

	// BatchErrorsTotal counts failed requests.
	// Labels: kind, op, class (validation, storage, cancelled)
	BatchErrorsTotal *prometheus.CounterVec

	// CascadeDeletedTotal counts entities removed by cascades, by kind.
	CascadeDeletedTotal *prometheus.CounterVec

	// CascadeDurationSeconds measures cascade operations.
	CascadeDurationSeconds prometheus.Histogram

	// CascadeFailuresTotal counts aborted cascades.
	CascadeFailuresTotal prometheus.Counter

	// GenerationAttemptsTotal counts computation attempts.
	// Labels: kind, algorithm, outcome (success, failure, stopped)
	GenerationAttemptsTotal *prometheus.CounterVec

	// GenerationTerminalTotal counts items reaching a terminal status.
	GenerationTerminalTotal *prometheus.CounterVec

	// GenerationDurationSeconds measures single computation attempts.
	GenerationDurationSeconds *prometheus.HistogramVec

	// JobsEnqueuedTotal counts queue submissions by job name.
	JobsEnqueuedTotal *prometheus.CounterVec

	// JobsProcessedTotal counts handled jobs by name and status.
	JobsProcessedTotal *prometheus.CounterVec

	// NotificationsTotal counts completion notifications by status.
	NotificationsTotal *prometheus.CounterVec

	// SweepDeletedTotal counts entities removed by maintenance sweeps.
	SweepDeletedTotal *prometheus.CounterVec

	// SweepRunsTotal counts sweep executions by sweep and status.
	SweepRunsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Tests pass a fresh prometheus.NewRegistry()
//     so repeated construction never panics on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "batch",
			Name: "items_total",
			Help: "Items processed by mutation requests by kind, operation and outcome",
		}, []string{"kind", "op", "outcome"}),
		BatchChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "batch",
			Name: "chunks_total",
			Help: "Committed chunks by kind and operation",
		}, []string{"kind", "op"}),
		BatchDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "batch",
			Name:    "duration_seconds",
			Help:    "Duration of mutation requests",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind", "op"}),
		BatchErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "batch",
			Name: "errors_total",
			Help: "Failed mutation requests by kind, operation and error class",
		}, []string{"kind", "op", "class"}),
		CascadeDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "cascade",
			Name: "deleted_total",
			Help: "Entities removed by cascade deletions by kind",
		}, []string{"kind"}),
		CascadeDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "cascade",
			Name:    "duration_seconds",
			Help:    "Duration of cascade deletions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		CascadeFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "cascade",
			Name: "failures_total",
			Help: "Cascade deletions aborted by an error",
		}),
		GenerationAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "generation",
			Name: "attempts_total",
			Help: "Computation attempts by kind, algorithm and outcome",
		}, []string{"kind", "algorithm", "outcome"}),
		GenerationTerminalTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "generation",
			Name: "terminal_total",
			Help: "Items reaching a terminal status by kind and status",
		}, []string{"kind", "status"}),
		GenerationDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "generation",
			Name:    "attempt_duration_seconds",
			Help:    "Duration of single computation attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"kind", "algorithm"}),
		JobsEnqueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "jobs",
			Name: "enqueued_total",
			Help: "Jobs submitted to the queue by name",
		}, []string{"name"}),
		JobsProcessedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "jobs",
			Name: "processed_total",
			Help: "Jobs handled by name and status",
		}, []string{"name", "status"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "notify",
			Name: "sent_total",
			Help: "Completion notifications by delivery status",
		}, []string{"status"}),
		SweepDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "ttl",
			Name: "deleted_total",
			Help: "Entities removed by maintenance sweeps",
		}, []string{"sweep"}),
		SweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "ttl",
			Name: "runs_total",
			Help: "Maintenance sweep runs by sweep and status",
		}, []string{"sweep", "status"}),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveBatch records one mutation request.
func (m *Metrics) ObserveBatch(kind datatypes.Kind, op string, written, skipped, chunks int, d time.Duration, err error) {
	k := string(kind)
	m.BatchItemsTotal.WithLabelValues(k, op, "written").Add(float64(written))
	m.BatchItemsTotal.WithLabelValues(k, op, "skipped").Add(float64(skipped))
	m.BatchChunksTotal.WithLabelValues(k, op).Add(float64(chunks))
	m.BatchDurationSeconds.WithLabelValues(k, op).Observe(d.Seconds())
	if err != nil {
		class := "storage"
		if datatypes.IsValidationError(err) {
			class = "validation"
		}
		m.BatchErrorsTotal.WithLabelValues(k, op, class).Inc()
	}
}

// ObserveCascade records one cascade deletion.
func (m *Metrics) ObserveCascade(deleted map[datatypes.Kind]int, d time.Duration, err error) {
	m.CascadeDurationSeconds.Observe(d.Seconds())
	if err != nil {
		m.CascadeFailuresTotal.Inc()
		return
	}
	for kind, n := range deleted {
		m.CascadeDeletedTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// ObserveAttempt records one computation attempt.
func (m *Metrics) ObserveAttempt(kind datatypes.Kind, alg datatypes.Algorithm, outcome string, d time.Duration) {
	m.GenerationAttemptsTotal.WithLabelValues(string(kind), string(alg), outcome).Inc()
	m.GenerationDurationSeconds.WithLabelValues(string(kind), string(alg)).Observe(d.Seconds())
}

// ObserveTerminal records an item reaching a terminal status.
func (m *Metrics) ObserveTerminal(kind datatypes.Kind, status datatypes.Status) {
	m.GenerationTerminalTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// ObserveEnqueue records a queue submission.
func (m *Metrics) ObserveEnqueue(name string) {
	m.JobsEnqueuedTotal.WithLabelValues(name).Inc()
}

// ObserveJob records a handled job.
func (m *Metrics) ObserveJob(name string, err error) {
	m.JobsProcessedTotal.WithLabelValues(name, statusLabel(err)).Inc()
}

// ObserveNotification records one notification delivery.
func (m *Metrics) ObserveNotification(err error) {
	m.NotificationsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(sweep string, deleted int, err error) {
	m.SweepRunsTotal.WithLabelValues(sweep, statusLabel(err)).Inc()
	if deleted > 0 {
		m.SweepDeletedTotal.WithLabelValues(sweep).Add(float64(deleted))
	}
}

