package redis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/logger"
)

const relayPrefix = "realtime:"

// Dispatcher delivers an encoded event to local subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel string, frame []byte) error
}

var ErrRelayStopped = errors.New("realtime relay is not subscribed")

// Relay fans events out across API instances. Publish goes to Redis; the
// subscription started by Start feeds every relayed event into this
// instance's hub. While the subscription is down, events are also dispatched
// locally so this instance's sockets keep receiving them.
type Relay struct {
	client  *goredis.Client
	local   Dispatcher
	running atomic.Bool
}

func NewRelay(client *goredis.Client, local Dispatcher) *Relay {
	return &Relay{
		client: client,
		local:  local,
	}
}

func (r *Relay) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	frame, err := realtime.EncodeEvent(channel, event, payload)
	if err != nil {
		return err
	}

	if r.local != nil && !r.running.Load() {
		localErr := r.local.Dispatch(ctx, channel, frame)
		if err := r.client.Publish(ctx, relayPrefix+channel, frame).Err(); err != nil {
			logger.Warn("Realtime relay: publish on %s failed: %v", channel, err)
		}
		return localErr
	}

	return r.client.Publish(ctx, relayPrefix+channel, frame).Err()
}

// Start subscribes and returns once Redis confirmed the subscription. Events
// are relayed in the background until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, relayPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}
	logger.Info("Realtime relay subscribed to %s*", relayPrefix)

	r.running.Store(true)
	go r.run(ctx, sub)
	return nil
}

// Check fails while the relay is not subscribed or Redis is unreachable.
func (r *Relay) Check(ctx context.Context) error {
	if !r.running.Load() {
		return ErrRelayStopped
	}
	return r.client.Ping(ctx).Err()
}

func (r *Relay) run(ctx context.Context, sub *goredis.PubSub) {
	defer r.running.Store(false)
	defer sub.Close()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				logger.Error("Realtime relay: subscription closed, delivering locally only")
				return
			}

			channel := strings.TrimPrefix(msg.Channel, relayPrefix)
			if err := r.local.Dispatch(ctx, channel, []byte(msg.Payload)); err != nil {
				logger.Warn("Realtime relay: dispatch on %s failed: %v", channel, err)
			}
		}
	}
}
