package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"consult_realtime/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// BusMessage is a frame fanned out to the other hub instances. To, when
// set, limits delivery to that user's connections inside Rooms.
type BusMessage struct {
	Origin string   `json:"origin"`
	Rooms  []string `json:"rooms"`
	To     string   `json:"to,omitempty"`
	Frame  []byte   `json:"frame"`
}

type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
	// Subscribe blocks, calling fn for every message, until ctx is done.
	Subscribe(ctx context.Context, fn func(BusMessage)) error
}

type RedisBus struct {
	redis   *redis.Client
	channel string
	log     logger.Logger
}

func NewRedisBus(client *redis.Client, channel string, log logger.Logger) *RedisBus {
	return &RedisBus{
		redis:   client,
		channel: channel,
		log:     log.With("component", "hub_bus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg BusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}
	return b.redis.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(BusMessage)) error {
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.log.Info("Subscribed to hub bus", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg BusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("Dropping malformed bus message", "error", err)
				continue
			}
			fn(msg)
		}
	}
}
