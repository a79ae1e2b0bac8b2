package router

import (
	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/infrastructure/ratelimit"
)

func Setup(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, limiter *ratelimit.RateLimiter) {
	SetupChatRouter(e, authMiddleware, limiter)
	SetupRealtimeRouter(e, authMiddleware, limiter)
	SetupWebSocketRouter(e, authMiddleware)
	SetupHealthRouter(e)
}
