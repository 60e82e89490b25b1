/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics for the Build Runner and
// master process, exposed on /metrics (§6).
//
// Metric naming follows Prometheus conventions:
//   - chengis_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts completed builds by job and terminal status.
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_builds_total",
			Help: "Total number of builds by job and status.",
		},
		[]string{"job", "status"},
	)

	// BuildDurationSeconds is a histogram of build duration by job.
	BuildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chengis_build_duration_seconds",
			Help:    "Duration of builds in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 7200},
		},
		[]string{"job"},
	)

	// StepsExecutedTotal counts step executions by kind and terminal status.
	StepsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_steps_executed_total",
			Help: "Total steps executed by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// PolicyDenialsTotal counts builds stopped by the pre-build or stage policy gate.
	PolicyDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_policy_denials_total",
			Help: "Total builds denied by policy evaluation.",
		},
		[]string{"org", "kind"},
	)

	// ApprovalGatesTotal counts approval gates by terminal resolution.
	ApprovalGatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_approval_gates_total",
			Help: "Total approval gates resolved by status.",
		},
		[]string{"status"},
	)

	// NotificationFailuresTotal counts failed post-build notification deliveries.
	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_notification_failures_total",
			Help: "Total notification delivery failures by channel type.",
		},
		[]string{"type"},
	)

	// ActiveBuilds is the number of builds currently executing in this process.
	ActiveBuilds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chengis_active_builds",
			Help: "Number of builds currently executing in this process.",
		},
	)

	// RetentionRowsDeletedTotal counts rows removed by the retention sweep,
	// broken down by resource (builds, audit, webhook_events, secret_audit).
	RetentionRowsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chengis_retention_rows_deleted_total",
			Help: "Total rows deleted by the retention sweep, by resource.",
		},
		[]string{"resource"},
	)
)

// RecordRetentionSweep records a completed retention sweep's per-resource
// deletion counts.
func RecordRetentionSweep(counts map[string]int64) {
	for resource, n := range counts {
		RetentionRowsDeletedTotal.WithLabelValues(resource).Add(float64(n))
	}
}

// RecordBuildComplete records metrics for a completed build.
func RecordBuildComplete(job, status string, duration time.Duration) {
	BuildsTotal.WithLabelValues(job, status).Inc()
	BuildDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordStep records a single step's terminal outcome.
func RecordStep(kind, status string) {
	StepsExecutedTotal.WithLabelValues(kind, status).Inc()
}

// RecordPolicyDenial records a single pre-build or stage policy denial.
func RecordPolicyDenial(org, kind string) {
	PolicyDenialsTotal.WithLabelValues(org, kind).Inc()
}

// RecordApprovalGate records a single approval gate's terminal resolution.
func RecordApprovalGate(status string) {
	ApprovalGatesTotal.WithLabelValues(status).Inc()
}

// RecordNotificationFailure records a single failed notification delivery.
func RecordNotificationFailure(channelType string) {
	NotificationFailuresTotal.WithLabelValues(channelType).Inc()
}
