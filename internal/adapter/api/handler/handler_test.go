package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"roomchat/internal/adapter/api"
	"roomchat/internal/adapter/api/handler"
	"roomchat/internal/adapter/api/middleware"
	"roomchat/internal/adapter/api/router"
	"roomchat/internal/adapter/repository"
	"roomchat/internal/domain/entity"
	"roomchat/internal/infrastructure/database"
	"roomchat/internal/infrastructure/ratelimit"
	"roomchat/internal/infrastructure/realtime"
	ws "roomchat/internal/infrastructure/websocket"
	"roomchat/internal/usecase"
	"roomchat/pkg/errors"
)

const (
	studentToken  = "student-token"
	landlordToken = "landlord-token"
	strangerToken = "stranger-token"
)

type staticVerifier map[string]int64

func (v staticVerifier) VerifyToken(_ context.Context, token string) (int64, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, errors.Unauthorized("Invalid token", nil)
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, query entity.NameQuery) (*entity.ResolvedNames, error) {
	names := &entity.ResolvedNames{}
	for _, id := range query.PropertyIDs {
		names.Properties = append(names.Properties, entity.NamedEntity{ID: id, Name: fmt.Sprintf("Flat %d", id)})
	}
	for _, id := range query.UserIDs {
		names.Users = append(names.Users, entity.NamedEntity{ID: id, Name: fmt.Sprintf("User %d", id)})
	}
	return names, nil
}

type testServer struct {
	echo       *echo.Echo
	manager    *ws.Manager
	authorizer *realtime.Authorizer
}

func newTestServer(t *testing.T, limiter *ratelimit.RateLimiter) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	if limiter == nil {
		limiter = ratelimit.NewRateLimiter(nil)
	}

	repo := repository.NewPostgresMessageRepository(db)
	authorizer := realtime.NewAuthorizer("roomchat", "test-secret")
	manager := ws.NewManager(authorizer)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)

	chatUseCase := usecase.NewChatUseCase(repo, manager, nil, staticResolver{}, limiter, usecase.Timeouts{})
	handler.Setup(chatUseCase, authorizer, manager, map[string]handler.HealthCheck{"store": repo.Ping})

	e := echo.New()
	e.Validator = api.NewValidator()
	verifier := staticVerifier{studentToken: 42, landlordToken: 7, strangerToken: 8}
	router.Setup(e, middleware.NewAuthMiddleware(verifier), limiter)

	return &testServer{echo: e, manager: manager, authorizer: authorizer}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, target, token, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func (s *testServer) send(t *testing.T, token string, recipient, property int64, content string) entity.Message {
	t.Helper()

	body := fmt.Sprintf(`{"recipient_id":%d,"property_id":%d,"content":%q}`, recipient, property, content)
	rec, env := s.do(t, http.MethodPost, "/v1/messages", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg entity.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

func TestSendMessageRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec, env := s.do(t, http.MethodPost, "/v1/messages", "", `{"recipient_id":7,"property_id":101,"content":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeUnauthorized, env.Error.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/messages", "forged", `{"recipient_id":7,"property_id":101,"content":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing recipient", `{"property_id":101,"content":"hi"}`},
		{"missing content", `{"recipient_id":7,"property_id":101}`},
		{"blank content", `{"recipient_id":7,"property_id":101,"content":"   "}`},
		{"self message", `{"recipient_id":42,"property_id":101,"content":"hi"}`},
		{"oversized content", fmt.Sprintf(`{"recipient_id":7,"property_id":101,"content":%q}`, strings.Repeat("a", usecase.MaxContentLength+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.do(t, http.MethodPost, "/v1/messages", studentToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, errors.CodeValidation, env.Error.Code)
		})
	}
}

func TestSendMessageAcceptsMultibyteContent(t *testing.T) {
	s := newTestServer(t, nil)

	content := strings.Repeat("ñ", 2600)
	rec, env := s.do(t, http.MethodPost, "/v1/messages", studentToken,
		fmt.Sprintf(`{"recipient_id":7,"property_id":101,"content":%q}`, content))
	require.Equal(t, http.StatusCreated, rec.Code)

	var msg entity.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, content, msg.Content)
}

func TestSendMessageClientTokenReuse(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"recipient_id":7,"property_id":101,"content":"Is it available?","client_token":"tok-1"}`
	rec, env := s.do(t, http.MethodPost, "/v1/messages", studentToken, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first entity.Message
	require.NoError(t, json.Unmarshal(env.Data, &first))

	rec, env = s.do(t, http.MethodPost, "/v1/messages", studentToken, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var retry entity.Message
	require.NoError(t, json.Unmarshal(env.Data, &retry))
	assert.Equal(t, first.ID, retry.ID)

	rec, env = s.do(t, http.MethodPost, "/v1/messages", studentToken,
		`{"recipient_id":9,"property_id":202,"content":"Other flat","client_token":"tok-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeValidation, env.Error.Code)
}

func TestBasicExchangeOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	first := s.send(t, studentToken, 7, 101, "Is it available?")
	second := s.send(t, landlordToken, 42, 101, "Yes")
	assert.Equal(t, int64(42), first.SenderID)
	assert.Greater(t, second.ID, first.ID)

	for _, target := range []string{
		"/v1/messages?property_id=101&participant_a=42&participant_b=7",
		"/v1/messages?property_id=101&participant_a=7&participant_b=42",
		"/v1/conversations/101-7-42/messages",
	} {
		rec, env := s.do(t, http.MethodGet, target, landlordToken, "")
		require.Equal(t, http.StatusOK, rec.Code, target)

		var page struct {
			Items      []entity.Message `json:"items"`
			NextCursor int64            `json:"next_cursor"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &page))
		require.Len(t, page.Items, 2, target)
		assert.Equal(t, "Is it available?", page.Items[0].Content)
		assert.Equal(t, "Yes", page.Items[1].Content)
		assert.Zero(t, page.NextCursor)
	}
}

func TestHistoryPagination(t *testing.T) {
	s := newTestServer(t, nil)

	var sent []entity.Message
	for i := 0; i < 3; i++ {
		sent = append(sent, s.send(t, studentToken, 7, 101, fmt.Sprintf("message %d", i)))
	}

	rec, env := s.do(t, http.MethodGet, "/v1/messages?property_id=101&participant_a=42&participant_b=7&limit=2", studentToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items      []entity.Message `json:"items"`
		NextCursor int64            `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, sent[1].ID, page.NextCursor)

	target := fmt.Sprintf("/v1/messages?property_id=101&participant_a=42&participant_b=7&limit=2&after_id=%d", page.NextCursor)
	rec, env = s.do(t, http.MethodGet, target, studentToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page.NextCursor = 0
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, sent[2].ID, page.Items[0].ID)
	assert.Zero(t, page.NextCursor)

	rec, _ = s.do(t, http.MethodGet, "/v1/messages?property_id=101&participant_a=42&participant_b=7&limit=zero", studentToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryAuthorizationBoundary(t *testing.T) {
	s := newTestServer(t, nil)
	s.send(t, studentToken, 7, 101, "private")

	rec, env := s.do(t, http.MethodGet, "/v1/messages?property_id=101&participant_a=42&participant_b=7", strangerToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeForbidden, env.Error.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/conversations/101-7-42/messages", strangerToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/conversations/not-a-conversation/messages", studentToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/conversations/101-42-7/messages", studentToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only the canonical conversation id is routable")

	rec, _ = s.do(t, http.MethodGet, "/v1/messages?property_id=101&participant_a=42", studentToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationListAndUnreadCount(t *testing.T) {
	s := newTestServer(t, nil)
	s.send(t, studentToken, 7, 101, "Is it available?")
	s.send(t, landlordToken, 42, 101, "Yes")
	s.send(t, strangerToken, 42, 202, "Still looking?")

	rec, env := s.do(t, http.MethodGet, "/v1/conversations?resolve_names=true", studentToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []entity.ConversationSummary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "202-8-42", summaries[0].ConversationID)
	assert.Equal(t, "User 8", summaries[0].CounterpartyName)
	assert.Equal(t, "Flat 202", summaries[0].PropertyName)
	assert.Equal(t, "101-7-42", summaries[1].ConversationID)
	assert.Equal(t, "Yes", summaries[1].LastMessageContent)

	rec, env = s.do(t, http.MethodGet, "/v1/conversations", studentToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summaries = nil
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 2)
	assert.Empty(t, summaries[0].CounterpartyName)

	rec, _ = s.do(t, http.MethodGet, "/v1/conversations?resolve_names=maybe", studentToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/v1/conversations/unread-count", studentToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, string(env.Data))
}

func TestResolveNamesProxy(t *testing.T) {
	s := newTestServer(t, nil)

	rec, env := s.do(t, http.MethodPost, "/v1/names", studentToken, `{"property_ids":[101],"user_ids":[7]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"properties":[{"id":101,"name":"Flat 101"}],"users":[{"id":7,"name":"User 7"}]}`, string(env.Data))

	rec, env = s.do(t, http.MethodPost, "/v1/names", studentToken, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"properties":[],"users":[]}`, string(env.Data))

	rec, _ = s.do(t, http.MethodPost, "/v1/names", studentToken, `{"user_ids":[-1]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelAuthorization(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := s.do(t, http.MethodPost, "/v1/realtime/auth", studentToken, `{"socket_id":"1.1","channel_name":"private-conversation-101-7-42"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, s.authorizer.Verify("1.1", "private-conversation-101-7-42", body["auth"]))

	rec, _ = s.do(t, http.MethodPost, "/v1/realtime/auth", strangerToken, `{"socket_id":"1.1","channel_name":"private-conversation-101-7-42"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/realtime/auth", studentToken, `{"socket_id":"1.1","channel_name":"presence-lobby"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/realtime/auth", studentToken, `{"channel_name":"private-user-42"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRateLimit(t *testing.T) {
	limiter := ratelimit.NewRateLimiter(map[string]ratelimit.Policy{
		ratelimit.ActionAPI: {Burst: 2, Every: time.Minute},
	})
	s := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodGet, "/v1/conversations", studentToken, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, env := s.do(t, http.MethodGet, "/v1/conversations", studentToken, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.CodeTooManyRequests, env.Error.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/conversations", landlordToken, "")
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per user")
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":"ok"`)
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return fmt.Errorf("connection refused") },
	})

	e := echo.New()
	rec := httptest.NewRecorder()
	require.NoError(t, h.CheckReadiness(e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"connection refused"`)
	assert.Contains(t, rec.Body.String(), `"store":"ok"`)
}

func TestRealtimeDeliveryEndToEnd(t *testing.T) {
	s := newTestServer(t, nil)
	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + landlordToken
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readFrame := func() map[string]json.RawMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	welcome := readFrame()
	var socketID string
	require.NoError(t, json.Unmarshal(welcome["socket_id"], &socketID))

	for _, channel := range []string{realtime.ConversationChannel("101-7-42"), realtime.UserChannel(7)} {
		rec, _ := s.do(t, http.MethodPost, "/v1/realtime/auth", landlordToken,
			fmt.Sprintf(`{"socket_id":%q,"channel_name":%q}`, socketID, channel))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

		require.NoError(t, conn.WriteJSON(ws.WSMessage{Type: ws.MessageTypeSubscribe, Channel: channel, Auth: body["auth"]}))
		assert.JSONEq(t, `"`+ws.MessageTypeSubscriptionSucceeded+`"`, string(readFrame()["type"]))
	}

	sent := s.send(t, studentToken, 7, 101, "Is it available?")

	events := map[string]json.RawMessage{}
	for i := 0; i < 2; i++ {
		frame := readFrame()
		var event string
		require.NoError(t, json.Unmarshal(frame["event"], &event))
		events[event] = frame["data"]
	}

	var delivered entity.Message
	require.NoError(t, json.Unmarshal(events[realtime.EventNewMessage], &delivered))
	assert.Equal(t, sent.ID, delivered.ID)
	assert.Equal(t, "Is it available?", delivered.Content)

	var unread realtime.UnreadNotification
	require.NoError(t, json.Unmarshal(events[realtime.EventUnreadMessage], &unread))
	assert.Equal(t, sent.ID, unread.MessageID)
	assert.Equal(t, "101-7-42", unread.ConversationID)
}

func TestWebSocketRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)
	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
