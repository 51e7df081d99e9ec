package workers

import (
	"sync"
	"time"

	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

// LoadSource reports the current planner load
type LoadSource interface {
	ActiveRuns() int
	InflightTasks() int
}

// HealthMonitor periodically checks planner load
type HealthMonitor struct {
	source   LoadSource
	maxRuns  int
	interval time.Duration
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	listeners []func(healthy bool)
	last      *HealthStatus
}

// HealthStatus represents the health of the planner
type HealthStatus struct {
	ActiveRuns    int       `json:"active_runs"`
	MaxRuns       int       `json:"max_runs"`
	InflightTasks int       `json:"inflight_tasks"`
	Healthy       bool      `json:"healthy"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor. maxRuns of zero means runs are unbounded
// and the planner is always healthy.
func NewHealthMonitor(source LoadSource, maxRuns int, interval time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *HealthMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &HealthMonitor{
		source:   source,
		maxRuns:  maxRuns,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// OnChange registers a listener called whenever the health verdict changes.
// Listeners registered before Start also receive the first verdict.
func (h *HealthMonitor) OnChange(fn func(healthy bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.CheckHealth()
	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

// run is the main health monitoring loop
func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckHealth()
		}
	}
}

// CheckHealth samples the load, records metrics and notifies listeners on change
func (h *HealthMonitor) CheckHealth() *HealthStatus {
	status := h.GetStatus()

	h.logger.Debug("planner health check",
		zap.Int("active_runs", status.ActiveRuns),
		zap.Int("inflight_tasks", status.InflightTasks),
		zap.Bool("healthy", status.Healthy))

	h.metrics.SetActiveRuns(status.ActiveRuns)
	h.metrics.SetInflightTasks(status.InflightTasks)

	if !status.Healthy {
		h.logger.Warn("all run slots are busy - consider scaling up",
			zap.Int("active_runs", status.ActiveRuns),
			zap.Int("max_runs", status.MaxRuns))
	}

	h.mu.Lock()
	changed := h.last == nil || h.last.Healthy != status.Healthy
	h.last = status
	listeners := make([]func(bool), len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(status.Healthy)
		}
	}

	return status
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	active := h.source.ActiveRuns()
	return &HealthStatus{
		ActiveRuns:    active,
		MaxRuns:       h.maxRuns,
		InflightTasks: h.source.InflightTasks(),
		Healthy:       h.maxRuns <= 0 || active < h.maxRuns,
		Timestamp:     time.Now(),
	}
}

// IsHealthy returns true if the planner can accept another run
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
