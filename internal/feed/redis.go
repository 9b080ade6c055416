package feed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

// RedisPublisher sends changes to a redis channel so every instance sees them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, c models.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal change")
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// RedisRelay feeds a local Publisher from the redis channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	target  Publisher
	logger  *zap.SugaredLogger
}

func NewRedisRelay(client *redis.Client, channel string, target Publisher, logger *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, target: target, logger: logger}
}

func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "redis subscribe")
	}
	r.logger.Infow("relaying bookmark changes from redis", "channel", r.channel)

	// go-redis reconnects the subscription on its own.
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			relay(ctx, []byte(msg.Payload), r.target, r.logger)
		}
	}
}
