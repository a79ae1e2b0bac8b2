package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"roomchat/internal/domain/entity"
	"roomchat/pkg/logger"
)

const (
	RabbitMQActionHeader = "x-action"
	ActionMessageCreated = "message.created"
)

// MessageCreatedEvent is what downstream email/push workers consume.
type MessageCreatedEvent struct {
	MessageID      int64     `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	PropertyID     int64     `json:"property_id"`
	SenderID       int64     `json:"sender_id"`
	RecipientID    int64     `json:"recipient_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewMessageCreatedEvent(msg *entity.Message) MessageCreatedEvent {
	return MessageCreatedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID(),
		PropertyID:     msg.PropertyID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

// RabbitMQEmitter publishes events to one durable queue through the default
// exchange. amqp channels are not safe for concurrent publishing, so publishes
// are serialized.
type RabbitMQEmitter struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	mutex   sync.Mutex
}

func NewRabbitMQEmitter(url, queue string) (*RabbitMQEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("Connection opened to RabbitMQ server")

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare RabbitMQ queue %s: %w", queue, err)
	}
	logger.Info("Declared RabbitMQ queue: %s", queue)

	return &RabbitMQEmitter{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}, nil
}

func (e *RabbitMQEmitter) MessageCreated(ctx context.Context, msg *entity.Message) error {
	body, err := json.Marshal(NewMessageCreatedEvent(msg))
	if err != nil {
		return err
	}
	return e.Emit(ctx, ActionMessageCreated, body)
}

func (e *RabbitMQEmitter) Emit(ctx context.Context, action string, data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.channel.PublishWithContext(
		ctx,
		"",      // exchange
		e.queue, // routing key
		false,   // mandatory
		false,   // immediate
		newPublishing(action, data),
	)
}

func (e *RabbitMQEmitter) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if err := e.channel.Close(); err != nil {
		e.conn.Close()
		return err
	}
	return e.conn.Close()
}

func newPublishing(action string, data []byte) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			RabbitMQActionHeader: action,
		},
		Body: data,
	}
}
