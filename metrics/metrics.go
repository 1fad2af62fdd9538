package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the queue and worker collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tasksPut        *prometheus.CounterVec
	tasksTaken      *prometheus.CounterVec
	tasksDeleted    *prometheus.CounterVec
	tasksRequeued   *prometheus.CounterVec
	tasksDeadLetter *prometheus.CounterVec
	malformed       prometheus.Counter

	queueLatency *prometheus.HistogramVec
	taskDuration *prometheus.HistogramVec
	taskAttempts *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksPut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_tasks_put_total",
				Help: "Total number of tasks placed on the queue",
			},
			[]string{"kind"},
		),
		tasksTaken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_tasks_taken_total",
				Help: "Total number of tasks leased from the queue",
			},
			[]string{"kind"},
		),
		tasksDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_tasks_deleted_total",
				Help: "Total number of tasks deleted after completion",
			},
			[]string{"kind"},
		),
		tasksRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_tasks_requeued_total",
				Help: "Total number of tasks requeued after a failure",
			},
			[]string{"kind"},
		),
		tasksDeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_tasks_dead_letter_total",
				Help: "Total number of tasks moved to the dead letter queue",
			},
			[]string{"kind"},
		),
		malformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskmill_malformed_messages_total",
				Help: "Total number of received messages that could not be decoded",
			},
		),
		queueLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskmill_queue_latency_seconds",
				Help:    "Time between a message being sent and being taken",
				Buckets: []float64{.1, .5, 1, 5, 30, 60, 300, 1800, 3600, 21600},
			},
			[]string{"kind"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskmill_task_duration_seconds",
				Help:    "Task processing duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"kind", "status"},
		),
		taskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmill_task_failures_total",
				Help: "Task processing failures by attempt number",
			},
			[]string{"kind", "attempt"},
		),
	}

	reg.MustRegister(
		m.tasksPut,
		m.tasksTaken,
		m.tasksDeleted,
		m.tasksRequeued,
		m.tasksDeadLetter,
		m.malformed,
		m.queueLatency,
		m.taskDuration,
		m.taskAttempts,
	)
	return m
}

func (m *Metrics) TaskPut(kind string) {
	if m == nil {
		return
	}
	m.tasksPut.WithLabelValues(kind).Inc()
}

// TaskTaken counts a lease and observes how long the task sat in the queue.
func (m *Metrics) TaskTaken(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.tasksTaken.WithLabelValues(kind).Inc()
	if latency > 0 {
		m.queueLatency.WithLabelValues(kind).Observe(latency.Seconds())
	}
}

func (m *Metrics) TaskDeleted(kind string) {
	if m == nil {
		return
	}
	m.tasksDeleted.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskRequeued(kind string) {
	if m == nil {
		return
	}
	m.tasksRequeued.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskDeadLettered(kind string) {
	if m == nil {
		return
	}
	m.tasksDeadLetter.WithLabelValues(kind).Inc()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// TaskProcessed observes one processor run. attempt is the task's attempt
// count when it failed and is ignored on success.
func (m *Metrics) TaskProcessed(kind string, d time.Duration, err error, attempt int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
		m.taskAttempts.WithLabelValues(kind, strconv.Itoa(attempt)).Inc()
	}
	m.taskDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}
