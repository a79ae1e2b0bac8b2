package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/domain/entity"
	"roomchat/internal/usecase"
	"roomchat/pkg/errors"
	"roomchat/pkg/response"
	"roomchat/pkg/utils"
)

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase) *ChatHandler {
	return &ChatHandler{
		chatUseCase: chatUseCase,
	}
}

type sendMessageRequest struct {
	RecipientID int64  `json:"recipient_id" validate:"required,gt=0"`
	PropertyID  int64  `json:"property_id" validate:"required,gt=0"`
	Content     string `json:"content" validate:"required,max=5000"`
	ClientToken string `json:"client_token" validate:"omitempty,max=64"`
}

type resolveNamesRequest struct {
	PropertyIDs []int64 `json:"property_ids" validate:"max=500,dive,gt=0"`
	UserIDs     []int64 `json:"user_ids" validate:"max=500,dive,gt=0"`
}

func (h *ChatHandler) SendMessage(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	msg, err := h.chatUseCase.SendMessage(c.Request().Context(), userID, usecase.SendMessageInput{
		RecipientID: req.RecipientID,
		PropertyID:  req.PropertyID,
		Content:     req.Content,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, msg)
}

func (h *ChatHandler) GetHistory(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	propertyID, err := utils.QueryInt64(c, "property_id")
	if err != nil {
		return response.Error(c, err)
	}
	participantA, err := utils.QueryInt64(c, "participant_a")
	if err != nil {
		return response.Error(c, err)
	}
	participantB, err := utils.QueryInt64(c, "participant_b")
	if err != nil {
		return response.Error(c, err)
	}
	page, err := utils.GetCursorParams(c)
	if err != nil {
		return response.Error(c, err)
	}

	messages, err := h.chatUseCase.GetHistory(c.Request().Context(), userID, propertyID, participantA, participantB, page)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, historyPage(messages, page))
}

func (h *ChatHandler) GetConversationMessages(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	page, err := utils.GetCursorParams(c)
	if err != nil {
		return response.Error(c, err)
	}

	messages, err := h.chatUseCase.GetHistoryByConversationID(c.Request().Context(), userID, c.Param("conversationId"), page)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, historyPage(messages, page))
}

func (h *ChatHandler) ListConversations(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	resolveNames := false
	if raw := c.QueryParam("resolve_names"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return response.Error(c, errors.Validation("resolve_names must be a boolean", err))
		}
		resolveNames = parsed
	}

	summaries, err := h.chatUseCase.ListConversations(c.Request().Context(), userID, resolveNames)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, summaries)
}

func (h *ChatHandler) UnreadCount(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, errors.Unauthorized("User not authenticated", nil))
	}

	count, err := h.chatUseCase.UnreadCount(c.Request().Context(), userID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]int64{"count": count})
}

func (h *ChatHandler) ResolveNames(c echo.Context) error {
	var req resolveNamesRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	names, err := h.chatUseCase.ResolveNames(c.Request().Context(), entity.NameQuery{
		PropertyIDs: req.PropertyIDs,
		UserIDs:     req.UserIDs,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, names)
}

// historyPage sets next_cursor only when the page came back full.
func historyPage(messages []*entity.Message, page entity.PageQuery) response.CursorPage {
	result := response.CursorPage{Items: messages}
	if page.Limit > 0 && len(messages) == page.Limit {
		result.NextCursor = messages[len(messages)-1].ID
	}
	return result
}
