package router

import (
	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/handler"
	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/infrastructure/ratelimit"
)

func SetupRealtimeRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, limiter *ratelimit.RateLimiter) {
	realtimeHandler := handler.GetRealtimeHandler()

	e.POST("/v1/realtime/auth", realtimeHandler.AuthorizeChannel,
		authMiddleware.Authenticate,
		middleware.RateLimit(limiter, ratelimit.ActionChannelAuth),
	)
}
