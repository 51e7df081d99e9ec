package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// runRecorder observes one pipeline run, keeps its snapshot current and
// publishes every lifecycle event on the bus.
type runRecorder struct {
	runID    string
	eventBus ports.EventBus
	storage  ports.SnapshotStore
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot *domain.RunSnapshot
}

func newRunRecorder(runID, message string, eventBus ports.EventBus, storage ports.SnapshotStore, logger *zap.Logger) *runRecorder {
	return &runRecorder{
		runID:    runID,
		eventBus: eventBus,
		storage:  storage,
		logger:   logger.With(zap.String("run_id", runID)),
		snapshot: &domain.RunSnapshot{
			RunID:     runID,
			Message:   message,
			State:     domain.ProcessingStateIdle,
			Tasks:     make(map[string]domain.TaskStatus),
			StartedAt: time.Now(),
		},
	}
}

func (r *runRecorder) OnState(state domain.ProcessingState) {
	r.mu.Lock()
	r.snapshot.State = state
	r.mu.Unlock()
	r.save()
}

func (r *runRecorder) OnGraph(graph *domain.ExecutionGraph) {
	r.mu.Lock()
	r.snapshot.Graph = graph
	for _, t := range graph.Tasks {
		r.snapshot.Tasks[t.ID] = domain.TaskStatusPending
	}
	r.mu.Unlock()
	r.save()

	r.publish(ports.EventTypePlanReady, map[string]interface{}{
		"graph": graph,
	})
}

func (r *runRecorder) OnProgress(ev domain.ProgressEvent) {
	switch ev.Kind {
	case domain.ProgressLog:
		r.publish(ports.EventTypeRunLog, map[string]interface{}{
			"message": ev.Message,
		})
	case domain.ProgressError:
		r.mu.Lock()
		r.snapshot.Error = ev.Message
		r.mu.Unlock()
		r.save()
		r.publish(ports.EventTypeRunError, map[string]interface{}{
			"message": ev.Message,
		})
	case domain.ProgressUpdate:
		r.mu.Lock()
		r.snapshot.Tasks[ev.TaskID] = ev.Status
		r.mu.Unlock()
		r.save()
		data := map[string]interface{}{
			"task_id": ev.TaskID,
			"status":  string(ev.Status),
		}
		if ev.Error != "" {
			data["error"] = ev.Error
		}
		r.publish(ports.EventTypeTaskUpdated, data)
	}
}

func (r *runRecorder) OnAnswer(chunk string) {
	r.mu.Lock()
	r.snapshot.Answer += chunk
	r.mu.Unlock()
	r.publish(ports.EventTypeAnswerChunk, map[string]interface{}{
		"chunk": chunk,
	})
}

// started records the beginning of the run
func (r *runRecorder) started() {
	r.save()
	r.publish(ports.EventTypeRunStarted, map[string]interface{}{
		"message": r.Snapshot().Message,
	})
}

// finished stamps the snapshot as ended and publishes the outcome
func (r *runRecorder) finished(outcome string, cancelled bool, errMsg string) *domain.RunSnapshot {
	now := time.Now()
	r.mu.Lock()
	r.snapshot.FinishedAt = &now
	r.snapshot.Cancelled = cancelled
	if errMsg != "" {
		r.snapshot.Error = errMsg
	}
	snap := r.snapshot.Clone()
	r.mu.Unlock()
	r.save()

	data := map[string]interface{}{
		"outcome":   outcome,
		"state":     string(snap.State),
		"cancelled": cancelled,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	r.publish(ports.EventTypeRunFinished, data)
	return snap
}

// Snapshot returns a copy of the current snapshot
func (r *runRecorder) Snapshot() *domain.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

func (r *runRecorder) save() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.storage.SaveSnapshot(ctx, r.Snapshot()); err != nil {
		r.logger.Error("failed to save run snapshot", zap.Error(err))
	}
}

func (r *runRecorder) publish(eventType ports.EventType, data map[string]interface{}) {
	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     r.runID,
		Timestamp: time.Now(),
		Data:      data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.eventBus.Publish(ctx, ports.TopicPlanEvents, event); err != nil {
		r.logger.Error("failed to publish run event",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
