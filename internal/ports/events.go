package ports

import (
	"context"
	"time"
)

// EventType names a run lifecycle event
type EventType string

const (
	EventTypeRunStarted  EventType = "run.started"
	EventTypePlanReady   EventType = "plan.ready"
	EventTypeTaskUpdated EventType = "task.updated"
	EventTypeRunLog      EventType = "run.log"
	EventTypeRunError    EventType = "run.error"
	EventTypeAnswerChunk EventType = "answer.chunk"
	EventTypeRunFinished EventType = "run.finished"
)

// TopicPlanEvents carries every event of every run
const TopicPlanEvents = "plan.events"

// Event is the envelope published on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes one delivered event
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and delivers run events
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe delivers events until ctx is done
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}
