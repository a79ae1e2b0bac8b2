package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/errors"
	"roomchat/pkg/response"
)

type RealtimeHandler struct {
	authorizer *realtime.Authorizer
}

func NewRealtimeHandler(authorizer *realtime.Authorizer) *RealtimeHandler {
	return &RealtimeHandler{
		authorizer: authorizer,
	}
}

type channelAuthRequest struct {
	SocketID    string `json:"socket_id" form:"socket_id" validate:"required,max=128"`
	ChannelName string `json:"channel_name" form:"channel_name" validate:"required,max=200"`
}

// AuthorizeChannel signs a private channel subscription for the caller's
// socket. The body is the bare {"auth": ...} object realtime clients expect.
func (h *RealtimeHandler) AuthorizeChannel(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	var req channelAuthRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	auth, err := h.authorizer.Authorize(userID, req.SocketID, req.ChannelName)
	if err != nil {
		return response.Error(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"auth": auth})
}
