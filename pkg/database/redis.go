package database

import (
	"b3bench/config"
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRedisClient connects to REDIS_URL, or to the sentinel set when only
// REDIS_SENTINEL_HOSTS is configured. Without either, it returns a nil client.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	if !p.Config.RedisEnabled() {
		p.Logger.Info("redis not configured, shared state stays in memory")
		return nil, nil
	}

	var client *redis.Client
	if p.Config.RedisUrl != "" {
		options, err := redis.ParseURL(p.Config.RedisUrl)
		if err != nil {
			p.Logger.Error("invalid REDIS_URL", zap.Error(err))
			return nil, err
		}
		client = redis.NewClient(options)
	} else {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    p.Config.RedisMasterName,
			SentinelAddrs: strings.Split(p.Config.RedisSentinelHosts, ","),
			DB:            0,
		})
	}

	if err := ping(client); err != nil {
		p.Logger.Error("failed to reach redis", zap.Error(err))
		client.Close()
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	p.Logger.Debug("redis client created")
	return client, nil
}

func ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
