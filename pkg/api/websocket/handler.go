package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nishichengju/planmode/internal/application/orchestrator"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotSource looks up the current snapshot of a run
type SnapshotSource interface {
	GetStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
}

// Message is one frame sent to the client. The first frame carries the run
// snapshot; every following frame carries one event.
type Message struct {
	Kind     string              `json:"kind"`
	Snapshot *domain.RunSnapshot `json:"snapshot,omitempty"`
	Event    *ports.Event        `json:"event,omitempty"`
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	runs     SnapshotSource
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, runs SnapshotSource, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		runs:     runs,
		logger:   logger,
	}
}

// HandleRunStream streams the events of one run until it finishes or the
// client disconnects
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	snapshot, err := h.runs.GetStatus(c.Request.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": err.Error()}})
		return
	}

	// Upgrade connection
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read loop only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events := make(chan ports.Event, eventBuffer)
	handler := func(ctx context.Context, event ports.Event) error {
		if event.RunID != runID {
			return nil
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}
	if err := h.eventBus.Subscribe(ctx, ports.TopicPlanEvents, handler); err != nil {
		h.logger.Error("failed to subscribe to events",
			zap.String("topic", ports.TopicPlanEvents),
			zap.Error(err))
		return
	}

	if err := h.write(conn, Message{Kind: "snapshot", Snapshot: snapshot}); err != nil {
		return
	}
	if snapshot.Finished() {
		h.close(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, Message{Kind: "event", Event: &event}); err != nil {
				return
			}
			if event.Type == ports.EventTypeRunFinished {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn("failed to write message", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
