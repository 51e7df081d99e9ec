package domain

import (
	"fmt"
	"strings"
)

// ProgressKind classifies a progress event
type ProgressKind string

const (
	ProgressLog    ProgressKind = "log"
	ProgressError  ProgressKind = "error"
	ProgressUpdate ProgressKind = "update"
)

// ProgressEvent is one entry of the coordinator's event stream. Log and Error
// events carry Message; Update events carry TaskID, Status and, for FAILED, Error.
type ProgressEvent struct {
	Kind    ProgressKind `json:"kind"`
	Message string       `json:"message,omitempty"`
	TaskID  string       `json:"task_id,omitempty"`
	Status  TaskStatus   `json:"status,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// LogEvent builds an informational event
func LogEvent(format string, args ...any) ProgressEvent {
	return ProgressEvent{Kind: ProgressLog, Message: fmt.Sprintf(format, args...)}
}

// ErrorEvent builds an event that is fatal to the current phase
func ErrorEvent(format string, args ...any) ProgressEvent {
	return ProgressEvent{Kind: ProgressError, Message: fmt.Sprintf(format, args...)}
}

// UpdateEvent builds a task status transition event
func UpdateEvent(taskID string, status TaskStatus) ProgressEvent {
	return ProgressEvent{Kind: ProgressUpdate, TaskID: taskID, Status: status}
}

// FailedEvent builds the FAILED transition for a task
func FailedEvent(taskID string, reason string) ProgressEvent {
	return ProgressEvent{Kind: ProgressUpdate, TaskID: taskID, Status: TaskStatusFailed, Error: reason}
}

// IsTerminalUpdate reports whether the event moves a task to a terminal state
func (e ProgressEvent) IsTerminalUpdate() bool {
	return e.Kind == ProgressUpdate && e.Status.IsTerminal()
}

// Marker renders the event in the plan output protocol
func (e ProgressEvent) Marker() string {
	switch e.Kind {
	case ProgressLog:
		return LogMarker(e.Message)
	case ProgressError:
		return ErrorMarker(e.Message)
	case ProgressUpdate:
		if e.Status == TaskStatusFailed {
			return fmt.Sprintf(`<update id="%s" status="%s" error="%s"/>`,
				escapeAttr(e.TaskID), e.Status, escapeAttr(e.Error))
		}
		return fmt.Sprintf(`<update id="%s" status="%s"/>`, escapeAttr(e.TaskID), e.Status)
	default:
		return ""
	}
}

const (
	PlanOpenMarker  = "<plan>"
	PlanCloseMarker = "</plan>"
)

// LogMarker wraps an informational message
func LogMarker(msg string) string {
	return "<log>" + msg + "</log>"
}

// ErrorMarker wraps a message that is fatal to the current phase
func ErrorMarker(msg string) string {
	return "<error>" + msg + "</error>"
}

// GraphMarker embeds the serialized graph in a CDATA section.
func GraphMarker(graphJSON string) string {
	// "]]>" would terminate the section early; split it across two sections.
	safe := strings.ReplaceAll(graphJSON, "]]>", "]]]]><![CDATA[>")
	return "<graph><![CDATA[" + safe + "]]></graph>"
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "&quot;")
}
