package usecase

import (
	"sort"

	"roomchat/internal/domain/entity"
)

type conversationKey struct {
	counterpartyID int64
	propertyID     int64
}

// BuildConversationIndex folds userID's messages, newest first, into one
// summary per (counterparty, property). The first message seen for a pair is
// its latest one.
func BuildConversationIndex(userID int64, messages []*entity.Message) []entity.ConversationSummary {
	seen := make(map[conversationKey]struct{})
	summaries := make([]entity.ConversationSummary, 0)

	for _, m := range messages {
		if !m.Involves(userID) {
			continue
		}

		key := conversationKey{counterpartyID: m.Counterparty(userID), propertyID: m.PropertyID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		summaries = append(summaries, entity.ConversationSummary{
			ConversationID:     entity.ConversationID(m.PropertyID, userID, key.counterpartyID),
			CounterpartyID:     key.counterpartyID,
			PropertyID:         m.PropertyID,
			LastMessageContent: m.Content,
			LastMessageTime:    m.CreatedAt,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})

	return summaries
}

func nameQueryFor(summaries []entity.ConversationSummary) entity.NameQuery {
	var query entity.NameQuery
	users := make(map[int64]bool)
	properties := make(map[int64]bool)

	for _, s := range summaries {
		if !users[s.CounterpartyID] {
			users[s.CounterpartyID] = true
			query.UserIDs = append(query.UserIDs, s.CounterpartyID)
		}
		if !properties[s.PropertyID] {
			properties[s.PropertyID] = true
			query.PropertyIDs = append(query.PropertyIDs, s.PropertyID)
		}
	}

	return query
}
