package router

import (
	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/handler"
	"roomchat/internal/adapter/api/middleware"
)

func SetupWebSocketRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware) {
	e.GET("/ws", handler.GetWebSocketHandler().HandleWebSocket, authMiddleware.AuthenticateSocket)
}
