package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskrunner/internal/monitor"
)

// Metrics exposes execution events as Prometheus series. It implements
// monitor.Observer.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	successRate *prometheus.GaugeVec
	stopped     *prometheus.CounterVec
}

// NewMetrics builds a private registry with Go runtime and process
// collectors plus the taskrunner series.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_events_total",
				Help: "Execution events recorded, by task and event type",
			},
			[]string{"task", "type"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskrunner_execution_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"task", "outcome"},
		),
		successRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskrunner_task_success_rate",
				Help: "Successful executions over total executions",
			},
			[]string{"task"},
		),
		stopped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskrunner_tasks_stopped_total",
				Help: "Tasks removed from the schedule, by reason",
			},
			[]string{"reason"},
		),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.duration,
		m.successRate,
		m.stopped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterGauge adds a callback gauge, e.g. the number of live child processes.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) ObserveEvent(e monitor.Event, stats monitor.Stats) {
	m.events.WithLabelValues(e.TaskID, string(e.Type)).Inc()

	switch e.Type {
	case monitor.EventExecutionCompleted, monitor.EventExecutionFailed:
		outcome := "success"
		if e.Type == monitor.EventExecutionFailed {
			outcome = "failure"
		}
		if _, ok := e.Metadata[monitor.MetaDuration]; ok {
			m.duration.WithLabelValues(e.TaskID, outcome).Observe(float64(monitor.DurationMs(e.Metadata)) / 1000)
		}
		m.successRate.WithLabelValues(e.TaskID).Set(stats.SuccessRate())
	case monitor.EventStopped:
		reason, _ := e.Metadata[monitor.MetaReason].(string)
		if reason == "" {
			reason = "unknown"
		}
		m.stopped.WithLabelValues(reason).Inc()
		m.successRate.DeleteLabelValues(e.TaskID)
	}
}
