package usecase

import (
	"context"

	"roomchat/internal/domain/entity"
)

// Publisher delivers an event to every subscriber of a realtime channel.
// Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
}

// NotificationEmitter hands a stored message to downstream notification
// services (email, push).
type NotificationEmitter interface {
	MessageCreated(ctx context.Context, msg *entity.Message) error
}

type NameResolver interface {
	Resolve(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, error)
}
