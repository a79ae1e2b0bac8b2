package handler

import (
	"net/http"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/middleware"
	ws "roomchat/internal/infrastructure/websocket"
	"roomchat/pkg/errors"
	"roomchat/pkg/logger"
	"roomchat/pkg/response"
)

type WebSocketHandler struct {
	wsManager *ws.Manager
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocketHandler(wsManager *ws.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager: wsManager,
	}
}

// HandleWebSocket upgrades an authenticated request. Channel membership is
// negotiated afterwards with signed subscribe frames.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("Authentication required", nil))
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed for user %d: %v", userID, err)
		return nil
	}

	client := ws.NewClient(uuid.NewString(), userID, conn)

	select {
	case h.wsManager.Register <- client:
	case <-h.wsManager.Done():
		conn.Close()
		return nil
	}

	h.wsManager.Welcome(client)

	go client.WritePump()
	go client.ReadPump(h.wsManager)

	return nil
}
