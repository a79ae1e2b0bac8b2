package handler

import (
	"roomchat/internal/infrastructure/realtime"
	ws "roomchat/internal/infrastructure/websocket"
	"roomchat/internal/usecase"
)

var (
	chatHandler      *ChatHandler
	realtimeHandler  *RealtimeHandler
	webSocketHandler *WebSocketHandler
	healthHandler    *HealthHandler
)

func Setup(
	chatUseCase *usecase.ChatUseCase,
	authorizer *realtime.Authorizer,
	wsManager *ws.Manager,
	healthChecks map[string]HealthCheck,
) {
	chatHandler = NewChatHandler(chatUseCase)
	realtimeHandler = NewRealtimeHandler(authorizer)
	webSocketHandler = NewWebSocketHandler(wsManager)
	healthHandler = NewHealthHandler(healthChecks)
}

func GetChatHandler() *ChatHandler {
	return chatHandler
}

func GetRealtimeHandler() *RealtimeHandler {
	return realtimeHandler
}

func GetWebSocketHandler() *WebSocketHandler {
	return webSocketHandler
}

func GetHealthHandler() *HealthHandler {
	return healthHandler
}
