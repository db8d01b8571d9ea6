// Package monitoring exposes Prometheus metrics for the task broker.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Task metrics
	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec

	// Scheduler metrics
	QueueDepth  *prometheus.GaugeVec
	SlotsInUse  *prometheus.GaugeVec
	TasksQueued *prometheus.CounterVec

	// Runner metrics
	RunnersConnected *prometheus.GaugeVec
	AuthFailures     prometheus.Counter
	RunnersLost      prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// New creates a metrics collector registered on reg. Passing a fresh
// prometheus.NewRegistry keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tasks_submitted_total",
				Help: "Total number of tasks submitted by the host",
			},
			[]string{"language"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tasks_completed_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"language", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_task_duration_seconds",
				Help:    "Task duration from submission to terminal state",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_queue_depth",
				Help: "Tasks waiting for a concurrency slot, per language",
			},
			[]string{"language"},
		),
		SlotsInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_slots_in_use",
				Help: "Concurrency slots currently held, per language",
			},
			[]string{"language"},
		),
		TasksQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tasks_queued_total",
				Help: "Tasks that waited in the queue before dispatch",
			},
			[]string{"language"},
		),
		RunnersConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_runners_connected",
				Help: "Authenticated runner connections, per language",
			},
			[]string{"language"},
		),
		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_auth_failures_total",
				Help: "Runner connections rejected for credential mismatch",
			},
		),
		RunnersLost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_runners_lost_total",
				Help: "Runner connections dropped after registration",
			},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_uptime_seconds",
				Help: "Broker uptime in seconds",
			},
		),
	}

	return m
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
