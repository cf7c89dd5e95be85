package kernel

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for launch outcome.
const (
	outcomeStarted = "started"
	outcomeFailed  = "failed"
)

var (
	activeUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsolve_kernel_active_units",
			Help: "Number of currently running background kernel units.",
		},
	)

	unitLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsolve_kernel_unit_launches_total",
			Help: "Total number of background unit launch attempts.",
		},
		[]string{"launcher", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeUnits)
	prometheus.MustRegister(unitLaunchesTotal)
}
