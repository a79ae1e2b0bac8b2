package realtime

import (
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/domain/entity"
)

const (
	ConversationPrefix = "private-conversation-"
	UserPrefix         = "private-user-"

	EventNewMessage    = "new-message"
	EventUnreadMessage = "unread-message"
)

var ErrUnknownChannel = stderrors.New("unknown channel")

type ChannelKind int

const (
	KindConversation ChannelKind = iota + 1
	KindUser
)

// Channel is a parsed channel name.
type Channel struct {
	Name       string
	Kind       ChannelKind
	PropertyID int64
	// Participants of a conversation channel, ascending.
	Low, High int64
	// Owner of a user channel.
	UserID int64
}

func ConversationChannel(conversationID string) string {
	return ConversationPrefix + conversationID
}

func UserChannel(userID int64) string {
	return UserPrefix + strconv.FormatInt(userID, 10)
}

func ParseChannel(name string) (Channel, error) {
	switch {
	case strings.HasPrefix(name, ConversationPrefix):
		propertyID, low, high, err := entity.ParseConversationID(strings.TrimPrefix(name, ConversationPrefix))
		if err != nil {
			return Channel{}, ErrUnknownChannel
		}
		return Channel{Name: name, Kind: KindConversation, PropertyID: propertyID, Low: low, High: high}, nil

	case strings.HasPrefix(name, UserPrefix):
		userID, err := strconv.ParseInt(strings.TrimPrefix(name, UserPrefix), 10, 64)
		if err != nil || userID <= 0 || UserChannel(userID) != name {
			return Channel{}, ErrUnknownChannel
		}
		return Channel{Name: name, Kind: KindUser, UserID: userID}, nil
	}

	return Channel{}, ErrUnknownChannel
}

// Allows reports whether userID may subscribe: a participant of a
// conversation channel or the owner of a user channel.
func (ch Channel) Allows(userID int64) bool {
	switch ch.Kind {
	case KindConversation:
		return userID == ch.Low || userID == ch.High
	case KindUser:
		return userID == ch.UserID
	}
	return false
}

// Event is the frame delivered to subscribers and relayed between instances.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func EncodeEvent(channel, event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Channel: channel, Event: event, Data: data})
}

// UnreadNotification is the payload of an unread-message event.
type UnreadNotification struct {
	ConversationID string    `json:"conversation_id"`
	PropertyID     int64     `json:"property_id"`
	SenderID       int64     `json:"sender_id"`
	MessageID      int64     `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewUnreadNotification(msg *entity.Message) UnreadNotification {
	return UnreadNotification{
		ConversationID: msg.ConversationID(),
		PropertyID:     msg.PropertyID,
		SenderID:       msg.SenderID,
		MessageID:      msg.ID,
		CreatedAt:      msg.CreatedAt,
	}
}
