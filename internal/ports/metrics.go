package ports

import "time"

// MetricsCollector records planner metrics
type MetricsCollector interface {
	RecordRunStarted()
	RecordRunFinished(outcome string, duration time.Duration)
	RecordTask(status string, duration time.Duration)
	RecordWave(size int)
	RecordCollaboratorCall(phase, outcome string, latency time.Duration)
	SetActiveRuns(count int)
	SetInflightTasks(count int)
}

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) RecordRunStarted() {}
func (NopMetrics) RecordRunFinished(string, time.Duration) {}
func (NopMetrics) RecordTask(string, time.Duration) {}
func (NopMetrics) RecordWave(int) {}
func (NopMetrics) RecordCollaboratorCall(string, string, time.Duration) {}
func (NopMetrics) SetActiveRuns(int) {}
func (NopMetrics) SetInflightTasks(int) {}
