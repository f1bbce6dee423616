package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/splitcheck/splitcheck/internal/auth"
	"github.com/splitcheck/splitcheck/internal/check"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/splitcheck/splitcheck/internal/connection"
	"github.com/splitcheck/splitcheck/internal/migration"
	"github.com/splitcheck/splitcheck/internal/observability"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/ratelimit"
	"github.com/splitcheck/splitcheck/internal/recognition"
	"github.com/splitcheck/splitcheck/internal/redisconn"
	"github.com/splitcheck/splitcheck/internal/scheduler"
	"github.com/splitcheck/splitcheck/internal/server"
	"github.com/splitcheck/splitcheck/internal/tasks"
	"github.com/splitcheck/splitcheck/pkg/db"
	"go.uber.org/fx"
)

// The API binary carries the whole stack: HTTP surface, event stream and
// task dispatchers. In cluster mode extra workers scale processing out.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		migration.Module,

		queue.Module,
		check.Module,
		connection.Module,
		recognition.Module,
		ratelimit.Module,
		tasks.Module,
		scheduler.Module,
		auth.Module,
		server.Module,
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
