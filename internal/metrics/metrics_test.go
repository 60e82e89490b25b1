/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
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

func TestRecordBuildComplete(t *testing.T) {
	RecordBuildComplete("api-gateway", "success", 42*time.Second)

	val := getCounterValue(BuildsTotal, "api-gateway", "success")
	if val < 1 {
		t.Errorf("BuildsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(BuildDurationSeconds, "api-gateway")
	if count < 1 {
		t.Errorf("BuildDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordStep(t *testing.T) {
	RecordStep("shell", "success")
	RecordStep("shell", "failure")

	val := getCounterValue(StepsExecutedTotal, "shell", "failure")
	if val < 1 {
		t.Errorf("StepsExecutedTotal(shell,failure) = %f, want >= 1", val)
	}
}

func TestRecordPolicyDenial(t *testing.T) {
	RecordPolicyDenial("org-1", "branch-restriction")

	val := getCounterValue(PolicyDenialsTotal, "org-1", "branch-restriction")
	if val < 1 {
		t.Errorf("PolicyDenialsTotal = %f, want >= 1", val)
	}
}

func TestRecordApprovalGate(t *testing.T) {
	RecordApprovalGate("approved")
	RecordApprovalGate("rejected")

	val := getCounterValue(ApprovalGatesTotal, "rejected")
	if val < 1 {
		t.Errorf("ApprovalGatesTotal(rejected) = %f, want >= 1", val)
	}
}

func TestRecordNotificationFailure(t *testing.T) {
	RecordNotificationFailure("slack")

	val := getCounterValue(NotificationFailuresTotal, "slack")
	if val < 1 {
		t.Errorf("NotificationFailuresTotal(slack) = %f, want >= 1", val)
	}
}

func TestActiveBuilds(t *testing.T) {
	ActiveBuilds.Set(0)

	ActiveBuilds.Inc()
	ActiveBuilds.Inc()

	val := getGaugeValue(ActiveBuilds)
	if val != 2 {
		t.Errorf("ActiveBuilds = %f, want 2", val)
	}

	ActiveBuilds.Dec()
	val = getGaugeValue(ActiveBuilds)
	if val != 1 {
		t.Errorf("ActiveBuilds after Dec = %f, want 1", val)
	}
}

func TestMultipleJobsMetrics(t *testing.T) {
	RecordBuildComplete("job-a", "success", 10*time.Second)
	RecordBuildComplete("job-b", "failure", 5*time.Second)

	aSuccess := getCounterValue(BuildsTotal, "job-a", "success")
	bFailure := getCounterValue(BuildsTotal, "job-b", "failure")
	aFailure := getCounterValue(BuildsTotal, "job-a", "failure")

	if aSuccess < 1 {
		t.Error("job-a success should be >= 1")
	}
	if bFailure < 1 {
		t.Error("job-b failure should be >= 1")
	}
	if aFailure != 0 {
		t.Errorf("job-a failure = %f, want 0", aFailure)
	}
}
