package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/splitcheck/splitcheck/internal/dispatch"
	"github.com/splitcheck/splitcheck/internal/observability/metrics"
	"github.com/splitcheck/splitcheck/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tasks",
	fx.Provide(NewHandlers),
	fx.Invoke(runDispatchers),
)

type dispatchersParam struct {
	fx.In

	LC       fx.Lifecycle
	Cfg      config.Config
	Queue    *queue.Queue
	Handlers *Handlers
	Metrics  *metrics.DispatcherMetrics
	Log      *zap.Logger
}

// runDispatchers starts one dispatcher per logical queue. Recognition runs
// with its own, smaller worker ceiling so OCR latency never starves check
// mutations.
func runDispatchers(p dispatchersParam) error {
	defaultDispatcher := dispatch.New(dispatch.Config{
		Queue:       queue.Default,
		WorkerLimit: p.Cfg.WorkerLimit,
		TaskTimeout: p.Cfg.TaskTimeout,
		PopTimeout:  p.Cfg.PopTimeout,
	}, p.Queue, p.Metrics, p.Log)
	if err := p.Handlers.RegisterDefault(defaultDispatcher); err != nil {
		return err
	}

	recognitionDispatcher := dispatch.New(dispatch.Config{
		Queue:       queue.Recognition,
		WorkerLimit: p.Cfg.RecognizerLimit,
		TaskTimeout: 2 * time.Minute,
		PopTimeout:  p.Cfg.PopTimeout,
	}, p.Queue, p.Metrics, p.Log)
	if err := p.Handlers.RegisterRecognition(recognitionDispatcher); err != nil {
		return err
	}

	for _, d := range []*dispatch.Dispatcher{defaultDispatcher, recognitionDispatcher} {
		attachDispatcher(p.LC, d, p.Cfg.DrainTimeout)
	}
	return nil
}

// attachDispatcher ties a dispatcher's consume loop to the application
// lifecycle: started on a goroutine, drained with a deadline on shutdown.
func attachDispatcher(lc fx.Lifecycle, d *dispatch.Dispatcher, drainTimeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				d.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			select {
			case <-done:
				return nil
			case <-timer.C:
				return fmt.Errorf("dispatcher drain exceeded %s", drainTimeout)
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
