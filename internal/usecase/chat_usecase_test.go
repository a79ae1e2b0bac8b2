package usecase

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/domain/entity"
	"roomchat/internal/infrastructure/ratelimit"
	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/errors"
)

type fakeMessageRepository struct {
	mu       sync.Mutex
	messages []*entity.Message
	nextID   int64
	clock    time.Time

	appendErr error
	block     bool
}

func newFakeRepository() *fakeMessageRepository {
	return &fakeMessageRepository{clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (r *fakeMessageRepository) Append(ctx context.Context, msg *entity.Message) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.appendErr != nil {
		return r.appendErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ClientToken != "" {
		for _, m := range r.messages {
			if m.SenderID == msg.SenderID && m.ClientToken == msg.ClientToken {
				*msg = *m
				return nil
			}
		}
	}

	r.nextID++
	r.clock = r.clock.Add(time.Second)
	msg.ID = r.nextID
	msg.CreatedAt = r.clock

	stored := *msg
	r.messages = append(r.messages, &stored)
	return nil
}

func (r *fakeMessageRepository) FetchHistory(_ context.Context, propertyID, userA, userB int64, page entity.PageQuery) ([]*entity.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entity.Message
	for _, m := range r.messages {
		if m.PropertyID == propertyID && m.Involves(userA) && m.Involves(userB) && m.ID > page.AfterID {
			out = append(out, m)
		}
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (r *fakeMessageRepository) ListByParticipant(_ context.Context, userID int64) ([]*entity.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entity.Message
	for _, m := range r.messages {
		if m.Involves(userID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	return out, nil
}

func (r *fakeMessageRepository) CountUnreadGroups(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[[2]int64]bool)
	for _, m := range r.messages {
		if m.RecipientID == userID {
			groups[[2]int64{m.PropertyID, m.SenderID}] = true
		}
	}
	return int64(len(groups)), nil
}

func (r *fakeMessageRepository) Ping(context.Context) error { return nil }

type published struct {
	channel string
	event   string
	payload interface{}
	ctxErr  error
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel: channel, event: event, payload: payload, ctxErr: ctx.Err()})
	return p.err
}

type fakeNotifier struct {
	created []*entity.Message
	err     error
}

func (n *fakeNotifier) MessageCreated(_ context.Context, msg *entity.Message) error {
	n.created = append(n.created, msg)
	return n.err
}

type fakeResolver struct {
	names   *entity.ResolvedNames
	err     error
	queries []entity.NameQuery
}

func (f *fakeResolver) Resolve(_ context.Context, query entity.NameQuery) (*entity.ResolvedNames, error) {
	f.queries = append(f.queries, query)
	return f.names, f.err
}

func newUseCase(repo *fakeMessageRepository, pub *fakePublisher) *ChatUseCase {
	return NewChatUseCase(repo, pub, nil, nil, nil, Timeouts{Store: time.Second, Publish: time.Second})
}

func TestSendMessageStoresThenPublishes(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	uc := NewChatUseCase(repo, pub, notifier, nil, nil, Timeouts{})

	msg, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "Is it available?"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, int64(42), msg.SenderID)
	assert.False(t, msg.CreatedAt.IsZero())

	require.Len(t, pub.events, 2)
	assert.Equal(t, "private-conversation-101-7-42", pub.events[0].channel)
	assert.Equal(t, realtime.EventNewMessage, pub.events[0].event)
	assert.Equal(t, msg, pub.events[0].payload)

	assert.Equal(t, "private-user-7", pub.events[1].channel)
	assert.Equal(t, realtime.EventUnreadMessage, pub.events[1].event)
	unread := pub.events[1].payload.(realtime.UnreadNotification)
	assert.Equal(t, "101-7-42", unread.ConversationID)
	assert.Equal(t, msg.ID, unread.MessageID)

	require.Len(t, notifier.created, 1)
	assert.Equal(t, msg.ID, notifier.created[0].ID)
}

func TestSendMessageValidation(t *testing.T) {
	cases := map[string]SendMessageInput{
		"self chat":         {RecipientID: 42, PropertyID: 101, Content: "hi"},
		"missing recipient": {PropertyID: 101, Content: "hi"},
		"missing property":  {RecipientID: 7, Content: "hi"},
		"empty content":     {RecipientID: 7, PropertyID: 101, Content: ""},
		"blank content":     {RecipientID: 7, PropertyID: 101, Content: "   \n"},
		"long content":      {RecipientID: 7, PropertyID: 101, Content: strings.Repeat("a", MaxContentLength+1)},
		"long token":        {RecipientID: 7, PropertyID: 101, Content: "hi", ClientToken: strings.Repeat("t", 65)},
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			repo := newFakeRepository()
			pub := &fakePublisher{}
			uc := newUseCase(repo, pub)

			_, err := uc.SendMessage(context.Background(), 42, input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.CodeValidation))
			assert.Empty(t, repo.messages, "nothing is persisted")
			assert.Empty(t, pub.events, "nothing is published")
		})
	}
}

func TestSendMessageCountsContentInCharacters(t *testing.T) {
	repo := newFakeRepository()
	uc := newUseCase(repo, &fakePublisher{})

	accented := strings.Repeat("ñ", MaxContentLength)
	msg, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: accented})
	require.NoError(t, err)
	assert.Equal(t, accented, msg.Content)

	_, err = uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: accented + "ñ"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestSendMessageKeepsStoreValidationErrors(t *testing.T) {
	repo := newFakeRepository()
	repo.appendErr = errors.Validation("client_token was already used for a different message", nil)
	pub := &fakePublisher{}
	uc := newUseCase(repo, pub)

	_, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi", ClientToken: "tok"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidation))
	assert.Empty(t, pub.events)
}

func TestSendMessagePersistenceFailureSkipsFanout(t *testing.T) {
	repo := newFakeRepository()
	repo.appendErr = stderrors.New("connection refused")
	pub := &fakePublisher{}
	uc := newUseCase(repo, pub)

	_, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodePersistence))
	assert.Empty(t, pub.events)
}

func TestSendMessageStoreTimeoutIsPersistenceError(t *testing.T) {
	repo := newFakeRepository()
	repo.block = true
	pub := &fakePublisher{}
	uc := NewChatUseCase(repo, pub, nil, nil, nil, Timeouts{Store: 20 * time.Millisecond, Publish: time.Second})

	_, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodePersistence))
	assert.Empty(t, pub.events)
}

func TestSendMessageFanoutFailureStillSucceeds(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{err: stderrors.New("hub down")}
	notifier := &fakeNotifier{err: stderrors.New("broker down")}
	uc := NewChatUseCase(repo, pub, notifier, nil, nil, Timeouts{})

	msg, err := uc.SendMessage(context.Background(), 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Len(t, pub.events, 2)
	assert.Len(t, repo.messages, 1)
}

func TestSendMessageFanoutSurvivesCanceledRequest(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{}
	uc := newUseCase(repo, pub)

	// the fake store ignores cancellation, as a row committed just before the
	// client hung up would
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg, err := uc.SendMessage(ctx, 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.Len(t, pub.events, 2)
	for _, e := range pub.events {
		assert.NoError(t, e.ctxErr)
	}
}

func TestSendMessageIdempotentRetry(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{}
	uc := newUseCase(repo, pub)
	input := SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi", ClientToken: "tok-1"}

	first, err := uc.SendMessage(context.Background(), 42, input)
	require.NoError(t, err)
	retry, err := uc.SendMessage(context.Background(), 42, input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, "tok-1", retry.ClientToken)
	assert.Len(t, repo.messages, 1)
}

func TestSendMessageRateLimited(t *testing.T) {
	repo := newFakeRepository()
	limiter := ratelimit.NewRateLimiter(map[string]ratelimit.Policy{
		ratelimit.ActionSendMessage: {Burst: 2, Every: time.Minute},
	})
	uc := NewChatUseCase(repo, &fakePublisher{}, nil, nil, limiter, Timeouts{})
	input := SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"}

	for i := 0; i < 2; i++ {
		_, err := uc.SendMessage(context.Background(), 42, input)
		require.NoError(t, err)
	}

	_, err := uc.SendMessage(context.Background(), 42, input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeTooManyRequests))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Positive(t, appErr.RetryAfter)

	_, err = uc.SendMessage(context.Background(), 9, input)
	assert.NoError(t, err, "other senders keep their own budget")
}

func TestBasicExchangeScenario(t *testing.T) {
	repo := newFakeRepository()
	uc := newUseCase(repo, &fakePublisher{})
	ctx := context.Background()

	_, err := uc.SendMessage(ctx, 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "Is it available?"})
	require.NoError(t, err)
	_, err = uc.SendMessage(ctx, 7, SendMessageInput{RecipientID: 42, PropertyID: 101, Content: "Yes"})
	require.NoError(t, err)

	history, err := uc.GetHistory(ctx, 42, 101, 42, 7, entity.PageQuery{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Is it available?", history[0].Content)
	assert.Equal(t, "Yes", history[1].Content)

	byRoute, err := uc.GetHistoryByConversationID(ctx, 7, "101-7-42", entity.PageQuery{})
	require.NoError(t, err)
	assert.Equal(t, history, byRoute)

	conversations, err := uc.ListConversations(ctx, 42, false)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "101-7-42", conversations[0].ConversationID)
	assert.Equal(t, int64(7), conversations[0].CounterpartyID)
	assert.Equal(t, "Yes", conversations[0].LastMessageContent)

	count, err := uc.UnreadCount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGetHistoryAuthorization(t *testing.T) {
	uc := newUseCase(newFakeRepository(), &fakePublisher{})
	ctx := context.Background()

	_, err := uc.GetHistory(ctx, 8, 101, 42, 7, entity.PageQuery{})
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	_, err = uc.GetHistory(ctx, 42, 101, 42, 42, entity.PageQuery{})
	assert.True(t, errors.Is(err, errors.CodeValidation))

	_, err = uc.GetHistory(ctx, 42, 0, 42, 7, entity.PageQuery{})
	assert.True(t, errors.Is(err, errors.CodeValidation))

	_, err = uc.GetHistoryByConversationID(ctx, 42, "not-a-conversation", entity.PageQuery{})
	assert.True(t, errors.Is(err, errors.CodeValidation))

	history, err := uc.GetHistory(ctx, 42, 101, 42, 7, entity.PageQuery{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestListConversationsResolvesNames(t *testing.T) {
	repo := newFakeRepository()
	resolver := &fakeResolver{names: &entity.ResolvedNames{
		Properties: []entity.NamedEntity{{ID: 101, Name: "Sunny studio"}},
		Users:      []entity.NamedEntity{{ID: 7, Name: "Lena"}},
	}}
	uc := NewChatUseCase(repo, &fakePublisher{}, nil, resolver, nil, Timeouts{})
	ctx := context.Background()

	_, err := uc.SendMessage(ctx, 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.NoError(t, err)
	_, err = uc.SendMessage(ctx, 9, SendMessageInput{RecipientID: 42, PropertyID: 202, Content: "hello"})
	require.NoError(t, err)

	conversations, err := uc.ListConversations(ctx, 42, true)
	require.NoError(t, err)
	require.Len(t, conversations, 2)

	require.Len(t, resolver.queries, 1)
	assert.ElementsMatch(t, []int64{7, 9}, resolver.queries[0].UserIDs)
	assert.ElementsMatch(t, []int64{101, 202}, resolver.queries[0].PropertyIDs)

	assert.Equal(t, int64(9), conversations[0].CounterpartyID)
	assert.Empty(t, conversations[0].CounterpartyName)
	assert.Equal(t, "Lena", conversations[1].CounterpartyName)
	assert.Equal(t, "Sunny studio", conversations[1].PropertyName)
}

func TestListConversationsDegradesWhenRegistryFails(t *testing.T) {
	repo := newFakeRepository()
	resolver := &fakeResolver{err: errors.Upstream("registry down", nil)}
	uc := NewChatUseCase(repo, &fakePublisher{}, nil, resolver, nil, Timeouts{})
	ctx := context.Background()

	_, err := uc.SendMessage(ctx, 42, SendMessageInput{RecipientID: 7, PropertyID: 101, Content: "hi"})
	require.NoError(t, err)

	conversations, err := uc.ListConversations(ctx, 42, true)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Empty(t, conversations[0].CounterpartyName)
}

func TestResolveNames(t *testing.T) {
	ctx := context.Background()

	empty, err := newUseCase(newFakeRepository(), nil).ResolveNames(ctx, entity.NameQuery{})
	require.NoError(t, err)
	assert.Empty(t, empty.Users)

	_, err = newUseCase(newFakeRepository(), nil).ResolveNames(ctx, entity.NameQuery{UserIDs: []int64{7}})
	assert.True(t, errors.Is(err, errors.CodeUpstream))

	resolver := &fakeResolver{err: stderrors.New("boom")}
	uc := NewChatUseCase(newFakeRepository(), nil, nil, resolver, nil, Timeouts{})
	_, err = uc.ResolveNames(ctx, entity.NameQuery{UserIDs: []int64{7}})
	assert.True(t, errors.Is(err, errors.CodeUpstream))
}

func TestResolveNamesNeverReturnsNilLists(t *testing.T) {
	resolver := &fakeResolver{names: &entity.ResolvedNames{Users: []entity.NamedEntity{{ID: 7, Name: "Lena"}}}}
	uc := NewChatUseCase(newFakeRepository(), nil, nil, resolver, nil, Timeouts{})

	names, err := uc.ResolveNames(context.Background(), entity.NameQuery{UserIDs: []int64{7}})
	require.NoError(t, err)
	assert.NotNil(t, names.Properties)
	assert.Equal(t, "Lena", names.UserNames()[7])
}
