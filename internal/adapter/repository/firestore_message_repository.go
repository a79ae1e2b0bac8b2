package repository

import (
	"context"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"roomchat/internal/domain/entity"
	"roomchat/internal/domain/repository"
	"roomchat/pkg/errors"
)

const (
	messagesCollection = "messages"
	countersCollection = "counters"
	messageCounterDoc  = "messages"
)

type messageCounter struct {
	Value int64 `firestore:"value"`
}

// firestoreMessageRepository keeps one document per message, keyed by its
// numeric id. Ids come from a counter document bumped in the same transaction
// that creates the message.
type firestoreMessageRepository struct {
	client *firestore.Client
	now    func() time.Time
}

func NewFirestoreMessageRepository(client *firestore.Client) repository.MessageRepository {
	return &firestoreMessageRepository{
		client: client,
		now:    time.Now,
	}
}

func (r *firestoreMessageRepository) Append(ctx context.Context, msg *entity.Message) error {
	counterRef := r.client.Collection(countersCollection).Doc(messageCounterDoc)
	createdAt := r.now().UTC()

	var replayed *entity.Message
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		replayed = nil
		if msg.ClientToken != "" {
			existing, err := r.findByClientToken(tx, msg.SenderID, msg.ClientToken)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
		}

		var counter messageCounter

		doc, err := tx.Get(counterRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if err := doc.DataTo(&counter); err != nil {
				return err
			}
		}

		counter.Value++
		stored := *msg
		stored.ID = counter.Value
		stored.CreatedAt = createdAt

		if err := tx.Set(counterRef, counter); err != nil {
			return err
		}
		if err := tx.Create(r.messageRef(stored.ID), stored); err != nil {
			return err
		}

		msg.ID = stored.ID
		msg.CreatedAt = stored.CreatedAt
		return nil
	})
	if err != nil {
		return errors.Persistence("Failed to store message", err)
	}

	if replayed != nil {
		return replay(msg, replayed)
	}
	return nil
}

func (r *firestoreMessageRepository) FetchHistory(ctx context.Context, propertyID, userA, userB int64, page entity.PageQuery) ([]*entity.Message, error) {
	messages := make([]*entity.Message, 0)

	for _, pair := range [][2]int64{{userA, userB}, {userB, userA}} {
		query := r.client.Collection(messagesCollection).
			Where("propertyId", "==", propertyID).
			Where("senderId", "==", pair[0]).
			Where("recipientId", "==", pair[1])

		batch, err := r.collect(query.Documents(ctx))
		if err != nil {
			return nil, errors.Persistence("Failed to fetch conversation history", err)
		}
		messages = append(messages, batch...)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})

	if page.AfterID > 0 {
		idx := -1
		for i, m := range messages {
			if m.ID == page.AfterID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.Validation("after_id does not belong to this conversation", nil)
		}
		messages = messages[idx+1:]
	}

	if page.Limit > 0 && len(messages) > page.Limit {
		messages = messages[:page.Limit]
	}

	return messages, nil
}

func (r *firestoreMessageRepository) ListByParticipant(ctx context.Context, userID int64) ([]*entity.Message, error) {
	seen := make(map[int64]bool)
	messages := make([]*entity.Message, 0)

	for _, field := range []string{"senderId", "recipientId"} {
		batch, err := r.collect(r.client.Collection(messagesCollection).Where(field, "==", userID).Documents(ctx))
		if err != nil {
			return nil, errors.Persistence("Failed to list messages", err)
		}
		for _, m := range batch {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			messages = append(messages, m)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[j].Before(messages[i])
	})

	return messages, nil
}

func (r *firestoreMessageRepository) CountUnreadGroups(ctx context.Context, userID int64) (int64, error) {
	iter := r.client.Collection(messagesCollection).
		Where("recipientId", "==", userID).
		Select("propertyId", "senderId").
		Documents(ctx)
	defer iter.Stop()

	groups := make(map[[2]int64]struct{})
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, errors.Persistence("Failed to count unread conversations", err)
		}

		var m entity.Message
		if err := doc.DataTo(&m); err != nil {
			return 0, errors.Persistence("Failed to parse message data", err)
		}
		groups[[2]int64{m.PropertyID, m.SenderID}] = struct{}{}
	}

	return int64(len(groups)), nil
}

func (r *firestoreMessageRepository) Ping(ctx context.Context) error {
	_, err := r.client.Collection(countersCollection).Doc(messageCounterDoc).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return errors.Persistence("Firestore unreachable", err)
	}
	return nil
}

// findByClientToken reads inside tx so a concurrent retry with the same token
// conflicts instead of creating a second message.
func (r *firestoreMessageRepository) findByClientToken(tx *firestore.Transaction, senderID int64, token string) (*entity.Message, error) {
	query := r.client.Collection(messagesCollection).
		Where("senderId", "==", senderID).
		Where("clientToken", "==", token).
		Limit(1)

	matches, err := r.collect(tx.Documents(query))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (r *firestoreMessageRepository) collect(iter *firestore.DocumentIterator) ([]*entity.Message, error) {
	defer iter.Stop()

	var messages []*entity.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var m entity.Message
		if err := doc.DataTo(&m); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}

	return messages, nil
}

func (r *firestoreMessageRepository) messageRef(id int64) *firestore.DocumentRef {
	return r.client.Collection(messagesCollection).Doc(strconv.FormatInt(id, 10))
}
