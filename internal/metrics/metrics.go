package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Counters
	tasksEnqueued *prometheus.CounterVec
	tasksClaimed  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRetried  *prometheus.CounterVec
	tasksReaped   prometheus.Counter
	storageErrors *prometheus.CounterVec

	// Gauges
	workersBusy *prometheus.GaugeVec

	// Histograms
	taskDuration  *prometheus.HistogramVec
	claimDuration prometheus.Histogram
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prismq_tasks_enqueued_total",
				Help: "Total number of tasks enqueued",
			},
			[]string{"type"},
		),
		tasksClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prismq_tasks_claimed_total",
				Help: "Total number of tasks claimed by workers",
			},
			[]string{"type", "strategy"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prismq_tasks_finished_total",
				Help: "Total number of execution attempts by resulting task status",
			},
			[]string{"type", "status"},
		),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prismq_task_retries_total",
				Help: "Total number of failed attempts sent back to the queue",
			},
			[]string{"type"},
		),
		tasksReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prismq_tasks_reaped_total",
				Help: "Total number of stale claims taken back from workers",
			},
		),
		storageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prismq_storage_errors_total",
				Help: "Total number of task store calls that failed",
			},
			[]string{"operation"},
		),
		workersBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "prismq_worker_busy",
				Help: "1 while the worker executes a task, 0 otherwise",
			},
			[]string{"worker_id"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prismq_task_duration_seconds",
				Help:    "Task handler execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"type"},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prismq_task_claim_duration_seconds",
				Help:    "Time to claim a task from the store",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.tasksEnqueued,
		m.tasksClaimed,
		m.tasksFinished,
		m.tasksRetried,
		m.tasksReaped,
		m.storageErrors,
		m.workersBusy,
		m.taskDuration,
		m.claimDuration,
	)

	return m
}

func (m *Metrics) TaskEnqueued(taskType string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskClaimed(taskType, strategy string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasksClaimed.WithLabelValues(taskType, strategy).Inc()
	m.claimDuration.Observe(took.Seconds())
}

// TaskFinished records one execution attempt and the status the task ended up in.
func (m *Metrics) TaskFinished(taskType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

func (m *Metrics) TaskRetried(taskType string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TasksReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksReaped.Add(float64(n))
}

func (m *Metrics) StorageError(operation string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) WorkerBusy(workerID string, busy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if busy {
		v = 1
	}
	m.workersBusy.WithLabelValues(workerID).Set(v)
}
