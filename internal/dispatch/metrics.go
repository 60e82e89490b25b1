package dispatch

// Metric naming follows a consistent convention across the service:
// chengis_ prefix, _total for counters, _seconds for duration histograms.

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queuedBuildsGauge tracks the current queued-build backlog.
	queuedBuildsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chengis_dispatch_queued_builds",
		Help: "Number of builds currently in queued status.",
	})

	// oldestPendingSeconds is the age of the oldest queued build still
	// waiting for an eligible agent (§4.7 step 2).
	oldestPendingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chengis_dispatch_oldest_pending_seconds",
		Help: "Age in seconds of the oldest queued build with no eligible agent.",
	})

	// assignmentsTotal counts successful build-to-agent assignments.
	assignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chengis_dispatch_assignments_total",
		Help: "Total number of builds assigned to an agent.",
	})

	// breakerTripsTotal counts circuit breaker trips by agent.
	breakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chengis_dispatch_breaker_trips_total",
		Help: "Total number of times an agent's circuit breaker opened.",
	}, []string{"agent_id"})

	// orphanRecoveredTotal counts builds reverted to queued after their
	// agent was declared dead.
	orphanRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chengis_dispatch_orphan_recovered_total",
		Help: "Total number of builds reverted to queued after their agent went orphaned.",
	})
)
