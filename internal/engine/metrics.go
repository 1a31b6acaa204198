package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess         = "success"
	outcomeBusinessFailure = "business_failure"
	outcomeError           = "error"
	outcomeRejected        = "rejected"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txexec_tasks_total",
			Help: "Total number of finished tasks by outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txexec_task_duration_seconds",
			Help:    "Time from a task entering running to its outcome.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "txexec_tasks_in_flight",
			Help: "Number of tasks currently running.",
		},
	)

	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txexec_messages_delivered_total",
			Help: "Total number of messages delivered to task callbacks by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(tasksInFlight)
	prometheus.MustRegister(messagesDelivered)
}

func recordRunning() {
	tasksInFlight.Inc()
}

func recordOutcome(o Outcome, started time.Time) {
	tasksInFlight.Dec()
	taskDuration.Observe(time.Since(started).Seconds())
	tasksTotal.WithLabelValues(o.label()).Inc()
}

func recordRejected() {
	tasksTotal.WithLabelValues(outcomeRejected).Inc()
}
