package usecase

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"roomchat/internal/domain/entity"
	"roomchat/internal/domain/repository"
	"roomchat/internal/infrastructure/ratelimit"
	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/errors"
	"roomchat/pkg/logger"
)

// MaxContentLength is counted in characters, not bytes.
const MaxContentLength = 5000

type Timeouts struct {
	Store   time.Duration
	Publish time.Duration
}

type ChatUseCase struct {
	messageRepo repository.MessageRepository
	publisher   Publisher
	notifier    NotificationEmitter
	names       NameResolver
	rateLimiter *ratelimit.RateLimiter
	timeouts    Timeouts
}

// NewChatUseCase wires the message flow. notifier, names and rateLimiter may
// be nil.
func NewChatUseCase(
	messageRepo repository.MessageRepository,
	publisher Publisher,
	notifier NotificationEmitter,
	names NameResolver,
	rateLimiter *ratelimit.RateLimiter,
	timeouts Timeouts,
) *ChatUseCase {
	if timeouts.Store <= 0 {
		timeouts.Store = 10 * time.Second
	}
	if timeouts.Publish <= 0 {
		timeouts.Publish = 5 * time.Second
	}

	return &ChatUseCase{
		messageRepo: messageRepo,
		publisher:   publisher,
		notifier:    notifier,
		names:       names,
		rateLimiter: rateLimiter,
		timeouts:    timeouts,
	}
}

type SendMessageInput struct {
	RecipientID int64
	PropertyID  int64
	Content     string
	ClientToken string
}

// SendMessage persists the message and then fans it out. A fan-out failure is
// logged and never turns a stored message into an error for the sender.
func (uc *ChatUseCase) SendMessage(ctx context.Context, senderID int64, input SendMessageInput) (*entity.Message, error) {
	if err := validateSend(senderID, input); err != nil {
		return nil, err
	}

	if uc.rateLimiter != nil {
		allowed, waitTime := uc.rateLimiter.Allow(strconv.FormatInt(senderID, 10), ratelimit.ActionSendMessage)
		if !allowed {
			logger.Warn("SendMessage Rate Limited: user %d must wait %v", senderID, waitTime)
			return nil, errors.TooManyRequests("Rate limit exceeded. Please wait before sending another message", waitTime)
		}
	}

	msg := &entity.Message{
		SenderID:    senderID,
		RecipientID: input.RecipientID,
		PropertyID:  input.PropertyID,
		Content:     input.Content,
		ClientToken: input.ClientToken,
	}

	storeCtx, cancel := context.WithTimeout(ctx, uc.timeouts.Store)
	err := uc.messageRepo.Append(storeCtx, msg)
	cancel()
	if err != nil {
		logger.Error("SendMessage Error: failed to store message from %d to %d: %v", senderID, input.RecipientID, err)
		return nil, storeError(storeCtx, err, "Failed to store message")
	}

	uc.fanOut(ctx, msg)

	return msg, nil
}

func validateSend(senderID int64, input SendMessageInput) error {
	switch {
	case senderID <= 0:
		return errors.Validation("sender_id must be a positive integer", nil)
	case input.RecipientID <= 0:
		return errors.Validation("recipient_id must be a positive integer", nil)
	case input.PropertyID <= 0:
		return errors.Validation("property_id must be a positive integer", nil)
	case input.RecipientID == senderID:
		return errors.Validation("You cannot send a message to yourself", nil)
	case strings.TrimSpace(input.Content) == "":
		return errors.Validation("content must not be empty", nil)
	case utf8.RuneCountInString(input.Content) > MaxContentLength:
		return errors.Validation("content is too long", nil)
	case len(input.ClientToken) > entity.MaxClientTokenLength:
		return errors.Validation("client_token is too long", nil)
	}
	return nil
}

// fanOut publishes on a context detached from the request and bounded by the
// publish timeout.
func (uc *ChatUseCase) fanOut(ctx context.Context, msg *entity.Message) {
	if uc.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.timeouts.Publish)
	defer cancel()

	conversationChannel := realtime.ConversationChannel(msg.ConversationID())
	if err := uc.publisher.Publish(pubCtx, conversationChannel, realtime.EventNewMessage, msg); err != nil {
		logger.Error("%v", errors.Fanout("Failed to publish "+realtime.EventNewMessage+" on "+conversationChannel, err))
	}

	recipientChannel := realtime.UserChannel(msg.RecipientID)
	if err := uc.publisher.Publish(pubCtx, recipientChannel, realtime.EventUnreadMessage, realtime.NewUnreadNotification(msg)); err != nil {
		logger.Error("%v", errors.Fanout("Failed to publish "+realtime.EventUnreadMessage+" on "+recipientChannel, err))
	}

	if uc.notifier != nil {
		if err := uc.notifier.MessageCreated(pubCtx, msg); err != nil {
			logger.Warn("SendMessage: notification event for message %d not emitted: %v", msg.ID, err)
		}
	}
}

// GetHistory returns the conversation between participantA and participantB
// about propertyID. The requester must be one of the participants.
func (uc *ChatUseCase) GetHistory(ctx context.Context, requesterID, propertyID, participantA, participantB int64, page entity.PageQuery) ([]*entity.Message, error) {
	if propertyID <= 0 || participantA <= 0 || participantB <= 0 {
		return nil, errors.Validation("property_id and participants must be positive integers", nil)
	}
	if participantA == participantB {
		return nil, errors.Validation("participants must differ", nil)
	}
	if requesterID != participantA && requesterID != participantB {
		return nil, errors.Forbidden("You are not a participant of this conversation", nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, uc.timeouts.Store)
	defer cancel()

	messages, err := uc.messageRepo.FetchHistory(storeCtx, propertyID, participantA, participantB, page)
	if err != nil {
		return nil, storeError(storeCtx, err, "Failed to fetch conversation history")
	}
	return messages, nil
}

func (uc *ChatUseCase) GetHistoryByConversationID(ctx context.Context, requesterID int64, conversationID string, page entity.PageQuery) ([]*entity.Message, error) {
	propertyID, low, high, err := entity.ParseConversationID(conversationID)
	if err != nil {
		return nil, errors.Validation("Invalid conversation id", err)
	}
	return uc.GetHistory(ctx, requesterID, propertyID, low, high, page)
}

// ListConversations builds userID's conversation index. With resolveNames the
// summaries carry display names when the registry answers; a registry failure
// leaves them unnamed.
func (uc *ChatUseCase) ListConversations(ctx context.Context, userID int64, resolveNames bool) ([]entity.ConversationSummary, error) {
	storeCtx, cancel := context.WithTimeout(ctx, uc.timeouts.Store)
	defer cancel()

	messages, err := uc.messageRepo.ListByParticipant(storeCtx, userID)
	if err != nil {
		return nil, storeError(storeCtx, err, "Failed to list conversations")
	}

	summaries := BuildConversationIndex(userID, messages)
	if !resolveNames || uc.names == nil || len(summaries) == 0 {
		return summaries, nil
	}

	names, err := uc.names.Resolve(ctx, nameQueryFor(summaries))
	if err != nil {
		logger.Warn("ListConversations: name resolution failed for user %d: %v", userID, err)
		return summaries, nil
	}

	users, properties := names.UserNames(), names.PropertyNames()
	for i := range summaries {
		summaries[i].CounterpartyName = users[summaries[i].CounterpartyID]
		summaries[i].PropertyName = properties[summaries[i].PropertyID]
	}

	return summaries, nil
}

// UnreadCount is the number of distinct (property, sender) groups among
// messages addressed to userID. Read state is not tracked.
func (uc *ChatUseCase) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, uc.timeouts.Store)
	defer cancel()

	count, err := uc.messageRepo.CountUnreadGroups(storeCtx, userID)
	if err != nil {
		return 0, storeError(storeCtx, err, "Failed to count unread conversations")
	}
	return count, nil
}

func (uc *ChatUseCase) ResolveNames(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, error) {
	if query.Empty() {
		return entity.NewResolvedNames(), nil
	}
	if uc.names == nil {
		return nil, errors.Upstream("Name resolution is not configured", nil)
	}

	resolved, err := uc.names.Resolve(ctx, query)
	if err != nil {
		return nil, errors.As(err, errors.Upstream, "Failed to resolve names")
	}

	names := entity.NewResolvedNames()
	names.Add(resolved)
	return names, nil
}

func storeError(ctx context.Context, err error, message string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Persistence("Message store timed out", err)
	}
	return errors.As(err, errors.Persistence, message)
}
