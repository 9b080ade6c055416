package feed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
)

var (
	Module = fx.Provide(
		provideHub,
		NewSource,
	)
)

type relayer interface {
	Run(ctx context.Context) error
}

func provideHub(lc fx.Lifecycle, logger *zap.SugaredLogger) *Hub {
	hub := NewHub(logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing change feed.")
			hub.Close()
			return nil
		},
	})
	return hub
}

// NewSource picks where the hub's changes come from and returns the
// Publisher the service should write to.
func NewSource(lc fx.Lifecycle, cfg *config.Config, hub *Hub, logger *zap.SugaredLogger) (Publisher, error) {
	var (
		pub   Publisher
		relay relayer
	)

	switch cfg.FeedSource {
	case config.FeedSourcePostgres:
		pub = nopPublisher{}
		relay = NewPGListener(cfg.DSN(), hub, logger)
	case config.FeedSourceRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return pingWithRetry(ctx, client, logger)
			},
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
		pub = NewRedisPublisher(client, cfg.RedisChannel)
		relay = NewRedisRelay(client, cfg.RedisChannel, hub, logger)
	case config.FeedSourceLocal:
		pub = hub
	default:
		return nil, errors.Errorf("unknown feed source %q", cfg.FeedSource)
	}

	if relay != nil {
		runRelay(lc, relay, logger)
	}

	logger.Infow("change feed configured", "source", cfg.FeedSource)
	return pub, nil
}

func runRelay(lc fx.Lifecycle, relay relayer, logger *zap.SugaredLogger) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := relay.Run(ctx); err != nil {
					logger.Errorw("change relay stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func pingWithRetry(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	wait := 200 * time.Millisecond
	attempt := 0
	for {
		attempt++
		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Infow("connected to redis", "attempts", attempt)
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(err, "redis unavailable after %d attempts", attempt)
		case <-timer.C:
			logger.Warnw("redis not ready", "attempt", attempt, "retry_in", wait, "error", err)
			wait *= 2
			if wait > 5*time.Second {
				wait = 5 * time.Second
			}
		}
	}
}
