package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiterFromConfig),
)

// NewLimiterFromConfig picks the bucket backing by deployment mode.
func NewLimiterFromConfig(cfg config.Config, client *redis.Client, clk clock.Clock) Limiter {
	if cfg.IsStandalone() {
		return NewMemoryLimiter(cfg.RecognizeRate, cfg.RecognizeBurst, clk)
	}
	return NewRedisLimiter(client, cfg.RecognizeRate, cfg.RecognizeBurst)
}
