package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ownerChannelPrefix = "restream:owner:"
	publishTimeout     = 5 * time.Second
)

// envelope is what travels over Redis between API instances.
type envelope struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Instance string          `json:"instance"`
	SentAt   int64           `json:"sent_at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber with one channel per owner.
type RedisPubSub struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for stream events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, instance: uuid.NewString(), logger: logger}
}

func ownerChannel(ownerID uuid.UUID) string {
	return ownerChannelPrefix + ownerID.String()
}

// PublishOwnerEvent publishes an event to the owner's channel.
func (r *RedisPubSub) PublishOwnerEvent(ownerID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(envelope{Event: event, Data: payload, Instance: r.instance, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, ownerChannel(ownerID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// SubscribeOwner calls handler for every event published for the owner,
// including this instance's own, until cancel is called.
func (r *RedisPubSub) SubscribeOwner(ownerID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, stop := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, ownerChannel(ownerID))
	if _, err := sub.Receive(ctx); err != nil {
		stop()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ownerChannel(ownerID), err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Debug("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(env.Event, env.Data)
			}
		}
	}()
	return stop, nil
}
