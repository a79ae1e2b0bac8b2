package entity

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidConversationID = errors.New("invalid conversation id")

// ConversationID derives the identifier shared by both participants of a
// conversation about one property. Swapping the participants yields the same
// value. Callers must not pass participantA == participantB.
func ConversationID(propertyID, participantA, participantB int64) string {
	low, high := participantA, participantB
	if low > high {
		low, high = high, low
	}

	var b strings.Builder
	b.WriteString(strconv.FormatInt(propertyID, 10))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(low, 10))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(high, 10))
	return b.String()
}

// ParseConversationID is the inverse of ConversationID. Only the canonical
// form is accepted, so "101-42-7" or "101-007-42" are invalid. The
// participants come back in ascending order.
func ParseConversationID(id string) (propertyID, low, high int64, err error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		return 0, 0, 0, ErrInvalidConversationID
	}

	values := make([]int64, 3)
	for i, part := range parts {
		v, convErr := strconv.ParseInt(part, 10, 64)
		if convErr != nil || v <= 0 {
			return 0, 0, 0, ErrInvalidConversationID
		}
		values[i] = v
	}

	propertyID, low, high = values[0], values[1], values[2]
	if low >= high || ConversationID(propertyID, low, high) != id {
		return 0, 0, 0, ErrInvalidConversationID
	}
	return propertyID, low, high, nil
}

// ConversationSummary is derived from the message log on every read and never
// stored.
type ConversationSummary struct {
	ConversationID     string    `json:"conversation_id"`
	CounterpartyID     int64     `json:"counterparty_id"`
	PropertyID         int64     `json:"property_id"`
	LastMessageContent string    `json:"last_message_content"`
	LastMessageTime    time.Time `json:"last_message_time"`
	CounterpartyName   string    `json:"counterparty_name,omitempty"`
	PropertyName       string    `json:"property_name,omitempty"`
}
