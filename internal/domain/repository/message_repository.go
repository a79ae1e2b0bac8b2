package repository

import (
	"context"

	"roomchat/internal/domain/entity"
)

type MessageRepository interface {
	// Append assigns ID and CreatedAt. When ClientToken is set and the sender
	// already stored a message with that token, msg is overwritten with the
	// stored row and no new row is written.
	Append(ctx context.Context, msg *entity.Message) error

	// FetchHistory returns the messages exchanged between userA and userB about
	// propertyID, in either direction, oldest first.
	FetchHistory(ctx context.Context, propertyID, userA, userB int64, page entity.PageQuery) ([]*entity.Message, error)

	// ListByParticipant returns every message userID sent or received, newest first.
	ListByParticipant(ctx context.Context, userID int64) ([]*entity.Message, error)

	// CountUnreadGroups counts distinct (property, sender) pairs among messages
	// addressed to userID.
	CountUnreadGroups(ctx context.Context, userID int64) (int64, error)

	Ping(ctx context.Context) error
}
