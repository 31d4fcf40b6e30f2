package ws

import (
	"context"
	"encoding/json"
	"time"

	"livechat/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const relayChannel = "livechat:events"

// RedisRelay 通过 Redis Pub/Sub 在多个实例之间转发投递。
// 收到的消息只做本地投递，不会再次发布。
type RedisRelay struct {
	client   *redis.Client
	hub      *Hub
	instance string
}

func NewRedisRelay(client *redis.Client, hub *Hub) *RedisRelay {
	r := &RedisRelay{client: client, hub: hub, instance: uuid.NewString()}
	hub.SetRelay(r)
	return r
}

func (r *RedisRelay) Instance() string { return r.instance }

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.instance
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, relayChannel, data).Err(); err != nil {
		return err
	}
	metrics.RelayEventsTotal.WithLabelValues("out", "ok").Inc()
	return nil
}

// Run 订阅频道直到 ctx 结束。
func (r *RedisRelay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (r *RedisRelay) handle(data []byte) int {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.RelayEventsTotal.WithLabelValues("in", "error").Inc()
		log.Warn().Err(err).Msg("relay: bad envelope")
		return 0
	}
	if env.Origin == r.instance {
		metrics.RelayEventsTotal.WithLabelValues("in", "skipped").Inc()
		return 0
	}
	metrics.RelayEventsTotal.WithLabelValues("in", "ok").Inc()
	return r.hub.deliver(env.Group, env.Payload, env.Except)
}
