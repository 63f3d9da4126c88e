package handler

import (
	"net/http"
	"time"

	"hetbalancer/internal/service"
	"hetbalancer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler pushes status updates over websocket
type StreamHandler struct {
	balancer *service.BalancerService
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(balancer *service.BalancerService) *StreamHandler {
	return &StreamHandler{balancer: balancer}
}

// StreamStatus sends the current status, then one message per register,
// rebalance or restore until the client disconnects
// @Summary Status stream (WebSocket)
// @Tags status
// @Router /api/v1/status/stream [get]
func (h *StreamHandler) StreamStatus(c *gin.Context) {
	ctx := c.Request.Context()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	updates, cancel := h.balancer.Hub().Subscribe()
	defer cancel()

	// Reader loop only handles control frames and notices the disconnect
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial := &service.StatusUpdate{
		Type:      service.UpdateSnapshot,
		Status:    h.balancer.Status(),
		Timestamp: time.Now().UTC(),
	}
	if err := writeJSON(ws, initial); err != nil {
		logger.WarnCtx(ctx, "failed to send initial status: %v", err)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.DebugCtx(ctx, "status stream client disconnected")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeJSON(ws, update); err != nil {
				logger.WarnCtx(ctx, "failed to push status update: %v", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}
