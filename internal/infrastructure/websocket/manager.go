package websocket

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var ErrManagerClosed = stderrors.New("websocket manager closed")

// SubscriptionVerifier checks the signature a socket presents when it
// subscribes to a private channel.
type SubscriptionVerifier interface {
	Verify(socketID, channel, auth string) bool
}

// Client is one websocket connection. SocketID is assigned by the server on
// connect and is what channel signatures are bound to.
type Client struct {
	SocketID string
	UserID   int64
	Conn     *websocket.Conn
	Send     chan []byte

	// guarded by Manager.mutex
	channels map[string]struct{}
	closed   bool
}

func NewClient(socketID string, userID int64, conn *websocket.Conn) *Client {
	return &Client{
		SocketID: socketID,
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		channels: make(map[string]struct{}),
	}
}

type delivery struct {
	channel string
	frame   []byte
}

// Manager tracks sockets and their channel subscriptions. Subscriber sets
// change only on subscribe, unsubscribe and disconnect.
type Manager struct {
	clients    map[string]*Client
	channels   map[string]map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	dispatch   chan delivery
	done       chan struct{}
	verifier   SubscriptionVerifier
	mutex      sync.RWMutex
}

func NewManager(verifier SubscriptionVerifier) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		dispatch:   make(chan delivery, 1024),
		done:       make(chan struct{}),
		verifier:   verifier,
	}
}

// Start runs the manager loop until ctx is done. On exit every socket is
// closed.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer m.shutdown()

		for {
			select {
			case client := <-m.Register:
				m.mutex.Lock()
				m.clients[client.SocketID] = client
				m.mutex.Unlock()
				logger.Debug("Client registered: socket %s user %d", client.SocketID, client.UserID)

			case client := <-m.Unregister:
				m.mutex.Lock()
				m.drop(client)
				m.mutex.Unlock()
				logger.Debug("Client unregistered: socket %s user %d", client.SocketID, client.UserID)

			case d := <-m.dispatch:
				m.deliver(d)

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) deliver(d delivery) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for client := range m.channels[d.channel] {
		select {
		case client.Send <- d.frame:
		default:
			logger.Warn("Dropping slow websocket client: socket %s user %d", client.SocketID, client.UserID)
			m.drop(client)
		}
	}
}

// drop removes client from every channel and closes its send queue. Callers
// hold the write lock.
func (m *Manager) drop(client *Client) {
	if client.closed {
		return
	}
	client.closed = true

	for channel := range client.channels {
		if subs, ok := m.channels[channel]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(m.channels, channel)
			}
		}
	}
	client.channels = make(map[string]struct{})

	delete(m.clients, client.SocketID)
	close(client.Send)
}

func (m *Manager) shutdown() {
	m.mutex.Lock()
	for _, client := range m.clients {
		m.drop(client)
	}
	m.mutex.Unlock()
	close(m.done)
	logger.Info("Websocket manager stopped")
}

// Dispatch queues an encoded frame for every subscriber of channel.
func (m *Manager) Dispatch(ctx context.Context, channel string, frame []byte) error {
	select {
	case m.dispatch <- delivery{channel: channel, frame: frame}:
		return nil
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish encodes an event and dispatches it on this instance only.
func (m *Manager) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	frame, err := realtime.EncodeEvent(channel, event, payload)
	if err != nil {
		return err
	}
	return m.Dispatch(ctx, channel, frame)
}

// Subscribe adds client to channel. It reports false when the client has
// already been dropped.
func (m *Manager) Subscribe(client *Client, channel string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if client.closed {
		return false
	}

	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		m.channels[channel] = subs
	}
	subs[client] = struct{}{}
	client.channels[channel] = struct{}{}
	return true
}

func (m *Manager) Unsubscribe(client *Client, channel string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(client.channels, channel)
	if subs, ok := m.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
}

func (m *Manager) ClientCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

func (m *Manager) SubscriberCount(channel string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.channels[channel])
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ReadPump reads frames from the connection until it fails, then
// unregisters the client.
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		select {
		case m.Unregister <- c:
		case <-m.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("Websocket read error for socket %s: %v", c.SocketID, err)
			}
			return
		}

		m.HandleClientMessage(c, message)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("Websocket write error for socket %s: %v", c.SocketID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
