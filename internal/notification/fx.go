package notification

import (
	"github.com/redis/go-redis/v9"
	"github.com/skillgate/skillgate/internal/clock"
	"github.com/skillgate/skillgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(func(cfg config.Config, clk clock.Clock, log *zap.Logger) Dispatcher {
		if cfg.RedisAddr == "" {
			return NewNoopDispatcher(log)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return NewRedisDispatcher(client, clk, log)
	}),
)
