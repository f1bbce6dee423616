// Package check wires the check service and its view cache.
package check

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/check/service"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("check",
	fx.Provide(
		NewViewCache,
		service.NewService,
	),
)

// NewViewCache picks the cache backing by deployment mode: Redis when the
// instance is part of a cluster, in-process memory otherwise.
func NewViewCache(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) service.ViewCache {
	if cfg.IsStandalone() {
		return service.NewMemoryViewCache(cfg.ViewCacheTTL, clk)
	}
	return service.NewRedisViewCache(client, cfg.ViewCacheTTL, log)
}
