package repository

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"roomchat/internal/domain/entity"
	"roomchat/internal/domain/repository"
	"roomchat/pkg/errors"
)

type postgresMessageRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &postgresMessageRepository{
		db:  db,
		now: time.Now,
	}
}

func (r *postgresMessageRepository) Append(ctx context.Context, msg *entity.Message) error {
	db := r.db.WithContext(ctx)

	if msg.ClientToken != "" {
		existing, err := r.findByClientToken(db, msg.SenderID, msg.ClientToken)
		if err != nil {
			return err
		}
		if existing != nil {
			return replay(msg, existing)
		}
	}

	stored := *msg
	stored.ID = 0
	stored.CreatedAt = r.now().UTC().Truncate(time.Microsecond)

	if err := db.Create(&stored).Error; err != nil {
		if msg.ClientToken != "" {
			// A concurrent retry won the unique (sender_id, client_token) index.
			if existing, findErr := r.findByClientToken(db, msg.SenderID, msg.ClientToken); findErr == nil && existing != nil {
				return replay(msg, existing)
			}
		}
		return errors.Persistence("Failed to store message", err)
	}

	*msg = stored
	return nil
}

func (r *postgresMessageRepository) findByClientToken(db *gorm.DB, senderID int64, token string) (*entity.Message, error) {
	var existing entity.Message
	err := db.Where("sender_id = ? AND client_token = ?", senderID, token).First(&existing).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Persistence("Failed to look up message by client token", err)
	}
	return &existing, nil
}

func (r *postgresMessageRepository) FetchHistory(ctx context.Context, propertyID, userA, userB int64, page entity.PageQuery) ([]*entity.Message, error) {
	query := r.conversation(ctx, propertyID, userA, userB)

	if page.AfterID > 0 {
		var cursor entity.Message
		err := r.conversation(ctx, propertyID, userA, userB).
			Where("id = ?", page.AfterID).
			First(&cursor).Error
		if err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.Validation("after_id does not belong to this conversation", err)
			}
			return nil, errors.Persistence("Failed to resolve history cursor", err)
		}
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	query = query.Order("created_at ASC").Order("id ASC")
	if page.Limit > 0 {
		query = query.Limit(page.Limit)
	}

	var messages []*entity.Message
	if err := query.Find(&messages).Error; err != nil {
		return nil, errors.Persistence("Failed to fetch conversation history", err)
	}
	return messages, nil
}

func (r *postgresMessageRepository) ListByParticipant(ctx context.Context, userID int64) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Where("(sender_id = ? OR recipient_id = ?)", userID, userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&messages).Error
	if err != nil {
		return nil, errors.Persistence("Failed to list messages", err)
	}
	return messages, nil
}

func (r *postgresMessageRepository) CountUnreadGroups(ctx context.Context, userID int64) (int64, error) {
	db := r.db.WithContext(ctx)

	groups := db.Model(&entity.Message{}).
		Distinct("property_id", "sender_id").
		Where("recipient_id = ?", userID)

	var count int64
	if err := db.Table("(?) AS unread_groups", groups).Count(&count).Error; err != nil {
		return 0, errors.Persistence("Failed to count unread conversations", err)
	}
	return count, nil
}

func (r *postgresMessageRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Persistence("Database handle unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Persistence("Database unreachable", err)
	}
	return nil
}

func (r *postgresMessageRepository) conversation(ctx context.Context, propertyID, userA, userB int64) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("property_id = ?", propertyID).
		Where("((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))", userA, userB, userB, userA)
}
