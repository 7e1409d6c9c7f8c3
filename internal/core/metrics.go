package core

import "github.com/prometheus/client_golang/prometheus"

// Submission and resource refresh outcomes.
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeDelayed = "delayed"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_core_submissions_total",
			Help: "Total number of job submission attempts, by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	resourceUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_core_resource_updates_total",
			Help: "Total number of resource status refreshes, by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	resourceFreeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_core_resource_free_slots",
			Help: "Free slots reported by each resource at its last refresh.",
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(resourceUpdatesTotal)
	prometheus.MustRegister(resourceFreeSlots)
}
