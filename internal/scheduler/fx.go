package scheduler

import (
	"context"

	"github.com/splitcheck/splitcheck/internal/connection"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(New, newNotifier),
	fx.Invoke(runScheduler),
)

func newNotifier(m *connection.Manager) Notifier { return m }

func runScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
