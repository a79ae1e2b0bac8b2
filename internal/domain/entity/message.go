package entity

import "time"

// MaxClientTokenLength bounds the idempotency token a client may attach.
const MaxClientTokenLength = 64

// Message is the only durable record of a conversation. It is written once and
// never updated.
type Message struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement" firestore:"id"`
	SenderID    int64     `json:"sender_id" gorm:"not null;index:idx_messages_pair,priority:2;uniqueIndex:idx_messages_sender_token,priority:1,where:client_token <> ''" firestore:"senderId"`
	RecipientID int64     `json:"recipient_id" gorm:"not null;index:idx_messages_pair,priority:3;index:idx_messages_recipient" firestore:"recipientId"`
	PropertyID  int64     `json:"property_id" gorm:"not null;index:idx_messages_pair,priority:1" firestore:"propertyId"`
	Content     string    `json:"content" gorm:"type:text;not null" firestore:"content"`
	ClientToken string    `json:"client_token,omitempty" gorm:"size:64;uniqueIndex:idx_messages_sender_token,priority:2" firestore:"clientToken,omitempty"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null;index:idx_messages_pair,priority:4" firestore:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// Involves reports whether userID is the sender or the recipient.
func (m *Message) Involves(userID int64) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Counterparty returns the other side of the message relative to userID.
func (m *Message) Counterparty(userID int64) int64 {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

func (m *Message) ConversationID() string {
	return ConversationID(m.PropertyID, m.SenderID, m.RecipientID)
}

// Before orders messages by creation time, ties broken by id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// PageQuery selects a window of a conversation's history. The zero value
// selects everything.
type PageQuery struct {
	AfterID int64
	Limit   int
}
