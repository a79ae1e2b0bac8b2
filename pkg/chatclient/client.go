package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/domain/entity"
	"roomchat/pkg/errors"
)

const (
	frameSubscribe           = "subscribe"
	frameUnsubscribe         = "unsubscribe"
	frameConnected           = "connection_established"
	frameSubscriptionOK      = "subscription_succeeded"
	frameSubscriptionFailed  = "subscription_error"
	defaultRequestTimeout    = 15 * time.Second
	defaultHandshakeDeadline = 10 * time.Second
)

var ErrConnectionClosed = stderrors.New("realtime connection closed")

// EventHandler receives the event name and raw payload of a channel event.
type EventHandler func(event string, data json.RawMessage)

// Client talks to the chat API over REST and a single shared websocket.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu   sync.Mutex
	conn *Connection
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: defaultHandshakeDeadline},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// History fetches the full conversation between a and b about propertyID.
func (c *Client) History(ctx context.Context, propertyID, a, b int64) ([]entity.Message, error) {
	query := url.Values{}
	query.Set("property_id", strconv.FormatInt(propertyID, 10))
	query.Set("participant_a", strconv.FormatInt(a, 10))
	query.Set("participant_b", strconv.FormatInt(b, 10))

	var page struct {
		Items []entity.Message `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages?"+query.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

type SendRequest struct {
	RecipientID int64  `json:"recipient_id"`
	PropertyID  int64  `json:"property_id"`
	Content     string `json:"content"`
	ClientToken string `json:"client_token,omitempty"`
}

func (c *Client) Send(ctx context.Context, req SendRequest) (*entity.Message, error) {
	var msg entity.Message
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) Conversations(ctx context.Context, resolveNames bool) ([]entity.ConversationSummary, error) {
	var summaries []entity.ConversationSummary
	path := "/v1/conversations?resolve_names=" + strconv.FormatBool(resolveNames)
	if err := c.do(ctx, http.MethodGet, path, nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/unread-count", nil, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// Authorize asks the API to sign a channel subscription for socketID.
func (c *Client) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	payload, err := json.Marshal(map[string]string{"socket_id": socketID, "channel_name": channel})
	if err != nil {
		return "", err
	}

	resp, err := c.request(ctx, http.MethodPost, "/v1/realtime/auth", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var body struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Upstream("Invalid channel authorization response", err)
	}
	return body.Auth, nil
}

// Subscribe joins channel on the shared connection, dialing it on first use.
func (c *Client) Subscribe(ctx context.Context, channel string, handler EventHandler) (func(), error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.SubscribeChannel(ctx, channel, handler)
}

// Close tears down the websocket, if one was opened.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) connection(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.closed() {
		return c.conn, nil
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Connect dials the realtime socket and waits for the server to assign a
// socket id.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	wsURL, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	query := wsURL.Query()
	query.Set("token", c.token)
	wsURL.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("dial realtime socket: %w", err)
	}

	var welcome frame
	conn.SetReadDeadline(time.Now().Add(defaultHandshakeDeadline))
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != frameConnected || welcome.SocketID == "" {
		conn.Close()
		return nil, fmt.Errorf("realtime handshake failed: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	connection := newConnection(conn, welcome.SocketID, c.Authorize)
	go connection.readLoop()
	return connection, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	resp, err := c.request(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Upstream("Invalid response from chat API", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Upstream("Invalid response from chat API", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Upstream("Chat API request failed", err)
	}
	return resp, nil
}

// decodeError turns an error envelope back into an *errors.AppError.
func decodeError(resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
		return errors.New(errors.CodeUpstream, http.StatusText(resp.StatusCode), resp.StatusCode, err)
	}
	return errors.New(env.Error.Code, env.Error.Message, resp.StatusCode, nil)
}

type frame struct {
	Type     string          `json:"type,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Error    string          `json:"error,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type authorizeFunc func(ctx context.Context, socketID, channel string) (string, error)

// Connection is one realtime socket with any number of channel
// subscriptions.
type Connection struct {
	conn      *websocket.Conn
	socketID  string
	authorize authorizeFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]EventHandler
	pending  map[string]chan error
	done     chan struct{}
}

func newConnection(conn *websocket.Conn, socketID string, authorize authorizeFunc) *Connection {
	return &Connection{
		conn:      conn,
		socketID:  socketID,
		authorize: authorize,
		handlers:  make(map[string]EventHandler),
		pending:   make(map[string]chan error),
		done:      make(chan struct{}),
	}
}

func (c *Connection) SocketID() string {
	return c.socketID
}

// SubscribeChannel authorizes and joins channel. The returned function
// leaves the channel.
func (c *Connection) SubscribeChannel(ctx context.Context, channel string, handler EventHandler) (func(), error) {
	auth, err := c.authorize(ctx, c.socketID, channel)
	if err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	c.mu.Lock()
	c.pending[channel] = result
	c.handlers[channel] = handler
	c.mu.Unlock()

	if err := c.write(frame{Type: frameSubscribe, Channel: channel, Auth: auth}); err != nil {
		c.forget(channel)
		return nil, err
	}

	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrConnectionClosed
	}
	if err != nil {
		c.forget(channel)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.forget(channel)
			_ = c.write(frame{Type: frameUnsubscribe, Channel: channel})
		})
	}, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) forget(channel string) {
	c.mu.Lock()
	delete(c.handlers, channel)
	delete(c.pending, channel)
	c.mu.Unlock()
}

func (c *Connection) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(defaultHandshakeDeadline))
	return c.conn.WriteJSON(f)
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		switch {
		case f.Event != "":
			c.mu.Lock()
			handler := c.handlers[f.Channel]
			c.mu.Unlock()
			if handler != nil {
				handler(f.Event, f.Data)
			}

		case f.Type == frameSubscriptionOK || f.Type == frameSubscriptionFailed:
			c.mu.Lock()
			result, ok := c.pending[f.Channel]
			delete(c.pending, f.Channel)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if f.Type == frameSubscriptionOK {
				result <- nil
			} else {
				result <- errors.Forbidden("Subscription refused: "+f.Error, nil)
			}
		}
	}
}
