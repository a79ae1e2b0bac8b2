package repository

import (
	"roomchat/internal/domain/entity"
	"roomchat/pkg/errors"
)

// replay answers a send whose client token is already stored. A retry of the
// same message gets the stored row back; a token reused for different content
// or another conversation is rejected.
func replay(msg, existing *entity.Message) error {
	if existing.RecipientID != msg.RecipientID ||
		existing.PropertyID != msg.PropertyID ||
		existing.Content != msg.Content {
		return errors.Validation("client_token was already used for a different message", nil)
	}
	*msg = *existing
	return nil
}
