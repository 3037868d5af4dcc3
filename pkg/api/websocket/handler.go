package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/tracker"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what an observer may send
type clientMessage struct {
	Type string `json:"type"`
}

// Handler handles observer WebSocket connections
type Handler struct {
	broadcaster *broadcast.Broadcaster
	reader      *tracker.Reader
	logger      *zap.Logger
}

// NewHandler creates a new observer gateway handler
func NewHandler(broadcaster *broadcast.Broadcaster, states ports.StateStore, logger *zap.Logger) *Handler {
	return &Handler{
		broadcaster: broadcaster,
		reader:      tracker.NewReader(states),
		logger:      logger,
	}
}

// connection serialises writes to one socket
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) writeEvent(event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.write(data)
}

// HandleWorkflowStream streams a workflow's events to one observer
func (h *Handler) HandleWorkflowStream(c *gin.Context) {
	workflowID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	log := h.logger.With(
		zap.String("workflow_id", workflowID),
		zap.String("client", c.ClientIP()))
	log.Info("observer connected")
	defer log.Info("observer disconnected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Join the channel before reading the snapshot: any event missing from
	// the snapshot is then delivered after it.
	sub, err := h.broadcaster.Subscribe(ctx, workflowID)
	if err != nil {
		log.Error("failed to subscribe to workflow events", zap.Error(err))
		return
	}
	defer sub.Close()

	conn := &connection{conn: ws}
	if err := h.sendState(ctx, conn, workflowID); err != nil {
		log.Warn("failed to send initial state", zap.Error(err))
		return
	}

	go h.readLoop(ctx, cancel, conn, workflowID, log)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.write(msg.Payload); err != nil {
				log.Debug("failed to forward event", zap.Error(err))
				return
			}
		}
	}
}

// readLoop answers client messages until the socket closes
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *connection, workflowID string, log *zap.Logger) {
	defer cancel()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case domain.ClientMessagePing:
			err = conn.writeEvent(&domain.Event{
				Type:       domain.EventTypePong,
				WorkflowID: workflowID,
				Timestamp:  time.Now().UTC(),
			})
		case domain.ClientMessageRequestState:
			err = h.sendState(ctx, conn, workflowID)
		default:
			log.Debug("ignoring unknown client message", zap.String("type", msg.Type))
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) sendState(ctx context.Context, conn *connection, workflowID string) error {
	state, err := h.reader.GetFullState(ctx, workflowID)
	if err != nil {
		return err
	}
	return conn.writeEvent(&domain.Event{
		Type:       domain.EventTypeStateSync,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		State:      state,
	})
}
