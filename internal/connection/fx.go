package connection

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("connection",
	fx.Provide(
		NewRelayFromConfig,
		NewDirectoryFromConfig,
		NewManagerFromConfig,
	),
	fx.Invoke(runManager),
)

// NewRelayFromConfig picks the relay backing by deployment mode.
func NewRelayFromConfig(cfg config.Config, client *redis.Client, log *zap.Logger) Relay {
	if cfg.IsStandalone() {
		return NewMemoryRelay()
	}
	return NewRedisRelay(client, log)
}

// NewDirectoryFromConfig picks the directory backing by deployment mode.
func NewDirectoryFromConfig(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) Directory {
	if cfg.IsStandalone() {
		return NewMemoryDirectory(clk)
	}
	return NewRedisDirectory(client, log)
}

func NewManagerFromConfig(cfg config.Config, relay Relay, directory Directory, log *zap.Logger) *Manager {
	return NewManager(ManagerConfig{DirectoryTTL: cfg.DirectoryTTL}, relay, directory, log)
}

func runManager(lc fx.Lifecycle, m *Manager, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := m.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("connection manager stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
