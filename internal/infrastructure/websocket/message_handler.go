package websocket

import (
	"encoding/json"
	"time"

	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/logger"
)

// Frame types exchanged with clients outside of channel events.
const (
	MessageTypePing                  = "ping"
	MessageTypePong                  = "pong"
	MessageTypeSubscribe             = "subscribe"
	MessageTypeUnsubscribe           = "unsubscribe"
	MessageTypeConnectionEstablished = "connection_established"
	MessageTypeSubscriptionSucceeded = "subscription_succeeded"
	MessageTypeSubscriptionError     = "subscription_error"
	MessageTypeError                 = "error"
)

// WSMessage is a control frame. Channel events use realtime.Event instead.
type WSMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Auth      string `json:"auth,omitempty"`
	SocketID  string `json:"socket_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HandleClientMessage processes one frame read from client.
func (m *Manager) HandleClientMessage(client *Client, messageBytes []byte) {
	var wsMessage WSMessage
	if err := json.Unmarshal(messageBytes, &wsMessage); err != nil {
		logger.Debug("WebSocket: invalid frame from socket %s: %v", client.SocketID, err)
		m.sendErrorToClient(client, "", "Invalid message format")
		return
	}

	switch wsMessage.Type {
	case MessageTypePing:
		m.sendToClient(client, WSMessage{
			Type:      MessageTypePong,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})

	case MessageTypeSubscribe:
		m.handleSubscribe(client, wsMessage)

	case MessageTypeUnsubscribe:
		m.Unsubscribe(client, wsMessage.Channel)

	default:
		m.sendErrorToClient(client, "", "Unknown message type")
	}
}

func (m *Manager) handleSubscribe(client *Client, msg WSMessage) {
	ch, err := realtime.ParseChannel(msg.Channel)
	if err != nil {
		m.subscriptionError(client, msg.Channel, "Unknown channel")
		return
	}
	if !ch.Allows(client.UserID) {
		m.subscriptionError(client, msg.Channel, "Not allowed to subscribe to this channel")
		return
	}
	if m.verifier == nil || !m.verifier.Verify(client.SocketID, msg.Channel, msg.Auth) {
		m.subscriptionError(client, msg.Channel, "Invalid channel signature")
		return
	}

	if !m.Subscribe(client, msg.Channel) {
		return
	}
	m.sendToClient(client, WSMessage{Type: MessageTypeSubscriptionSucceeded, Channel: msg.Channel})
}

func (m *Manager) subscriptionError(client *Client, channel, reason string) {
	logger.Warn("WebSocket: subscription to %s refused for user %d: %s", channel, client.UserID, reason)
	m.sendErrorToClient(client, channel, reason)
}

// Welcome queues the connection_established frame carrying the socket id.
func (m *Manager) Welcome(client *Client) {
	m.sendToClient(client, WSMessage{Type: MessageTypeConnectionEstablished, SocketID: client.SocketID})
}

func (m *Manager) sendErrorToClient(client *Client, channel, reason string) {
	frameType := MessageTypeError
	if channel != "" {
		frameType = MessageTypeSubscriptionError
	}
	m.sendToClient(client, WSMessage{Type: frameType, Channel: channel, Error: reason})
}

func (m *Manager) sendToClient(client *Client, message WSMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("WebSocket: failed to encode %s frame: %v", message.Type, err)
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if client.closed {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
