package queue

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(NewBroker),
	fx.Provide(New),
)

// NewBroker selects the broker implementation for the deployment mode.
func NewBroker(cfg config.Config, client *redis.Client) Broker {
	if cfg.IsStandalone() || client == nil {
		return NewMemoryBroker()
	}
	return NewRedisBroker(client)
}
