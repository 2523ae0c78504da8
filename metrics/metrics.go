package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MastersStartedTotal tracks inactive-to-active master transitions.
var MastersStartedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_masters_started_total",
		Help: "Total master started transitions",
	},
	[]string{"instance"},
)

// MastersStoppedTotal tracks active-to-inactive master transitions by cause.
var MastersStoppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_masters_stopped_total",
		Help: "Total master stopped transitions",
	},
	[]string{"instance", "reason"},
)

// BuildsReclaimedTotal tracks in-progress builds finalized with the retry result.
var BuildsReclaimedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_builds_reclaimed_total",
		Help: "Total builds finalized on behalf of a dead master",
	},
	[]string{"instance"},
)

// StepsReclaimedTotal tracks in-progress steps finalized with the retry result.
var StepsReclaimedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_steps_reclaimed_total",
		Help: "Total steps finalized on behalf of a dead master",
	},
	[]string{"instance"},
)

// LogsReclaimedTotal tracks open logs closed on behalf of a dead master.
var LogsReclaimedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_logs_reclaimed_total",
		Help: "Total logs finished on behalf of a dead master",
	},
	[]string{"instance"},
)

// RequestsUnclaimedTotal tracks build requests returned to the queue.
var RequestsUnclaimedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_build_requests_unclaimed_total",
		Help: "Total build requests unclaimed from a dead master",
	},
	[]string{"instance"},
)

// DeactivationFailuresTotal tracks deactivations that did not complete.
var DeactivationFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_deactivation_failures_total",
		Help: "Total failed master deactivations",
	},
	[]string{"instance"},
)

// SweepsTotal tracks expiry sweeps by outcome.
var SweepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "buildcoord_sweeps_total",
		Help: "Total expiry sweeps",
	},
	[]string{"instance", "outcome"},
)

// ActiveMasters tracks the number of masters currently marked active.
var ActiveMasters = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "buildcoord_active_masters",
		Help: "Current active masters",
	},
	[]string{"instance"},
)

// DeactivationDuration tracks time spent deactivating a master.
var DeactivationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "buildcoord_deactivation_duration_seconds",
		Help:    "Time spent deactivating a master",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"instance"},
)

// HeartbeatLatency tracks heartbeat round-trip latency.
var HeartbeatLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "buildcoord_heartbeat_latency_seconds",
		Help:    "Heartbeat round-trip latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"instance"},
)
