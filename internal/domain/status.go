package domain

// TaskStatus represents the lifecycle state of one task within a run
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ProcessingState is the coarse state a pipeline presents to its caller
type ProcessingState string

const (
	ProcessingStateIdle       ProcessingState = "idle"
	ProcessingStateProcessing ProcessingState = "processing"
	ProcessingStateCompleted  ProcessingState = "completed"
)
