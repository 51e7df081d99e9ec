package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	tasks         *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	waves         prometheus.Counter
	waveSize      prometheus.Histogram
	collabCalls   *prometheus.CounterVec
	collabLatency *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	inflightTasks prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "planmode_runs_started_total",
				Help: "Total number of plan-mode runs started",
			},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planmode_runs_finished_total",
				Help: "Total number of plan-mode runs finished",
			},
			[]string{"outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planmode_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planmode_tasks_total",
				Help: "Total number of tasks finished",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planmode_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		waves: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "planmode_waves_total",
				Help: "Total number of execution waves started",
			},
		),
		waveSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "planmode_wave_size",
				Help:    "Number of tasks dispatched per wave",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
			},
		),
		collabCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planmode_collaborator_calls_total",
				Help: "Total number of collaborator calls",
			},
			[]string{"phase", "outcome"},
		),
		collabLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planmode_collaborator_latency_seconds",
				Help:    "Collaborator call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"phase"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "planmode_active_runs",
				Help: "Number of runs in progress",
			},
		),
		inflightTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "planmode_inflight_tasks",
				Help: "Number of tasks currently executing",
			},
		),
	}
}

// RecordRunStarted records the start of a run
func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
}

// RecordRunFinished records the end of a run
func (c *Collector) RecordRunFinished(outcome string, duration time.Duration) {
	c.runsFinished.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTask records a task reaching a terminal status
func (c *Collector) RecordTask(status string, duration time.Duration) {
	c.tasks.WithLabelValues(status).Inc()
	c.taskDuration.Observe(duration.Seconds())
}

// RecordWave records a wave dispatch
func (c *Collector) RecordWave(size int) {
	c.waves.Inc()
	c.waveSize.Observe(float64(size))
}

// RecordCollaboratorCall records one collaborator call
func (c *Collector) RecordCollaboratorCall(phase, outcome string, latency time.Duration) {
	c.collabCalls.WithLabelValues(phase, outcome).Inc()
	c.collabLatency.WithLabelValues(phase).Observe(latency.Seconds())
}

// SetActiveRuns sets the number of runs in progress
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// SetInflightTasks sets the number of tasks currently executing
func (c *Collector) SetInflightTasks(count int) {
	c.inflightTasks.Set(float64(count))
}
