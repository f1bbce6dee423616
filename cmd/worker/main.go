package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/splitcheck/splitcheck/internal/check"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/splitcheck/splitcheck/internal/connection"
	"github.com/splitcheck/splitcheck/internal/observability"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/recognition"
	"github.com/splitcheck/splitcheck/internal/redisconn"
	"github.com/splitcheck/splitcheck/internal/tasks"
	"github.com/splitcheck/splitcheck/pkg/db"
	"go.uber.org/fx"
)

// The worker binary runs dispatchers only. It holds no client connections;
// notifications it produces travel through the relay to whichever instance
// owns the target connection. Only useful in cluster mode, where queue and
// relay live in Redis.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,

		queue.Module,
		check.Module,
		connection.Module,
		recognition.Module,
		tasks.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
