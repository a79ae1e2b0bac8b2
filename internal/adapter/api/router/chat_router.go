package router

import (
	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/handler"
	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/infrastructure/ratelimit"
)

func SetupChatRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, limiter *ratelimit.RateLimiter) {
	chatHandler := handler.GetChatHandler()

	v1 := e.Group("/v1")
	v1.Use(authMiddleware.Authenticate)
	v1.Use(middleware.RateLimit(limiter, ratelimit.ActionAPI))

	v1.POST("/messages", chatHandler.SendMessage)
	v1.GET("/messages", chatHandler.GetHistory)

	v1.GET("/conversations", chatHandler.ListConversations)
	v1.GET("/conversations/unread-count", chatHandler.UnreadCount)
	v1.GET("/conversations/:conversationId/messages", chatHandler.GetConversationMessages)

	v1.POST("/names", chatHandler.ResolveNames)
}
