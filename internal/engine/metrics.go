package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// Metric label values for request and recreation outcomes.
const (
	outcomeResolved = "resolved"
	outcomeRejected = "rejected"
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsolve_engine_requests_total",
			Help: "Total correlated requests issued to the kernel.",
		},
		[]string{"op", "outcome"},
	)

	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsolve_engine_requests_in_flight",
			Help: "Correlated requests currently awaiting a kernel response.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsolve_engine_request_duration_seconds",
			Help:    "Time from request send to resolution, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	watchdogTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsolve_engine_watchdog_timeouts_total",
			Help: "Times the watchdog declared the kernel unresponsive.",
		},
	)

	unitCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsolve_engine_unit_crashes_total",
			Help: "Times the background unit failed outside a watchdog timeout.",
		},
	)

	recreationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsolve_engine_recreations_total",
			Help: "Background unit recreation attempts.",
		},
		[]string{"outcome"},
	)

	unitBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainsolve_engine_unit_boot_seconds",
			Help:    "Duration from unit launch to the kernel ready message, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	progressEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsolve_engine_progress_events_total",
			Help: "Unsolicited progress messages fanned out to subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestsInFlight)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(watchdogTimeoutsTotal)
	prometheus.MustRegister(unitCrashesTotal)
	prometheus.MustRegister(recreationsTotal)
	prometheus.MustRegister(unitBootDuration)
	prometheus.MustRegister(progressEventsTotal)

	// Pre-initialize per-op outcome counters so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, op := range []string{
		protocol.OpEvaluate, protocol.OpLoadSnapshot, protocol.OpApplyPatch,
		protocol.OpSetInput, protocol.OpGetStats,
	} {
		requestsTotal.WithLabelValues(op, outcomeResolved)
		requestsTotal.WithLabelValues(op, outcomeRejected)
	}
}
