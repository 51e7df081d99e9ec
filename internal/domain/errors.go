package domain

import (
	"errors"
	"fmt"
)

// ErrTaskCancelled marks a task that observed cancellation before finishing
var ErrTaskCancelled = errors.New("task cancelled")

// PlanGenerationError reports that no usable plan could be obtained.
// The caller is expected to fall back to ordinary handling.
type PlanGenerationError struct {
	Reason string
	Err    error
}

func (e *PlanGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan generation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("plan generation failed: %s", e.Reason)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

// GraphStructureError reports a structural defect of an execution graph
type GraphStructureError struct {
	Message string
}

func (e *GraphStructureError) Error() string {
	return "invalid execution graph: " + e.Message
}

// TaskError reports the failure of a single task. It never aborts siblings.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	switch {
	case e.Err == nil && e.TaskID == "":
		return "task failed"
	case e.Err == nil:
		return fmt.Sprintf("task %s failed", e.TaskID)
	case e.TaskID == "":
		return e.Err.Error()
	}
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Cancelled reports whether the task failed because it was cancelled
func (e *TaskError) Cancelled() bool {
	return errors.Is(e.Err, ErrTaskCancelled)
}

// SummarizationError reports that the final synthesis call failed
type SummarizationError struct {
	Err error
}

func (e *SummarizationError) Error() string {
	if e.Err == nil {
		return "summarization failed"
	}
	return fmt.Sprintf("summarization failed: %v", e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }
