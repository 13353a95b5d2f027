package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
)

const EventChannel = "a2a:events"

// EventBus fans orchestrator events out over redis pub/sub so dashboards and
// bridges in other processes see them.
type EventBus struct {
	client  *redis.Client
	channel string
}

// NewClient parses a redis:// URL and checks the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client, channel: EventChannel}
}

// Publish implements ports.EventSink.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe streams bus events until ctx is done. The subscription is
// confirmed before Subscribe returns, so no later Publish is missed.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := make(chan domain.Event)
	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Dropping malformed bus event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
