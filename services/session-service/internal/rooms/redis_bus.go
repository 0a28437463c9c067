package rooms

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
)

type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// RedisBus relays room broadcasts between instances over a pub/sub channel.
// Publishing is queued; when the queue is full the broadcast is not relayed.
type RedisBus struct {
	rdb      *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
	queue    chan envelope
}

func NewRedisBus(rdb *redis.Client, channel, instance string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "session:rooms"
	}
	return &RedisBus{
		rdb:      rdb,
		channel:  channel,
		instance: instance,
		logger:   logger,
		queue:    make(chan envelope, 1024),
	}
}

func (b *RedisBus) Publish(roomID string, ev gateway.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		b.logger.Warn("room bus encode failed", "event", ev.Name, "err", err)
		return
	}
	select {
	case b.queue <- envelope{Origin: b.instance, Room: roomID, Event: ev.Name, Data: data}:
	default:
		b.logger.Warn("room bus queue full, broadcast not relayed", "event", ev.Name)
	}
}

// Run publishes queued broadcasts and delivers remote ones through deliver
// until ctx is done.
func (b *RedisBus) Run(ctx context.Context, deliver func(roomID string, ev gateway.Event) int) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	msgs := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.queue:
			payload, _ := json.Marshal(env)
			if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil && ctx.Err() == nil {
				b.logger.Warn("room bus publish failed", "err", err)
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.Warn("room bus decode failed", "err", err)
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			deliver(env.Room, gateway.Event{Name: env.Event, Data: env.Data})
		}
	}
}
