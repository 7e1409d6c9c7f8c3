package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	progressDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgrid_engine_progress_duration_seconds",
			Help:    "Duration of one engine progress pass in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	progressErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_engine_progress_errors_total",
			Help: "Total number of progress passes aborted by an error.",
		},
	)

	tasksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_engine_tasks",
			Help: "Managed tasks by state after the last progress pass.",
		},
		[]string{"state"},
	)

	queueLengthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_engine_queue_length",
			Help: "Managed tasks by engine queue after the last progress pass.",
		},
		[]string{"queue"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgrid_engine_commands_total",
			Help: "Total number of deferred commands executed by the background engine.",
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(progressDuration)
	prometheus.MustRegister(progressErrorsTotal)
	prometheus.MustRegister(tasksGauge)
	prometheus.MustRegister(queueLengthGauge)
	prometheus.MustRegister(commandsTotal)
}
