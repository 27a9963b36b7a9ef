package queue

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/servana/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("queue",
	fx.Provide(NewRedisClient),
	fx.Provide(NewReplayQueue),
)

// NewRedisClient returns nil when no redis address is configured; consumers
// must tolerate the nil client.
func NewRedisClient(cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Warn("redis not configured, replay queue and sweep lock disabled")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func NewReplayQueue(client *redis.Client) ReplayQueue {
	if client == nil {
		return NoopQueue{}
	}
	return NewRedisQueue(client)
}
