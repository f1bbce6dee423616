// Package dispatch runs the bounded worker pool that drains a task queue.
// One dispatcher owns one logical queue; handlers execute concurrently under
// a semaphore, so no ordering is guaranteed between tasks, even for the same
// check. Consistency comes from the repository running each mutation in its
// own database transaction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/splitcheck/splitcheck/internal/observability/metrics"
	"github.com/splitcheck/splitcheck/internal/queue"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded task envelope.
type HandlerFunc func(ctx context.Context, env *queue.Envelope) error

// Config controls a single dispatcher.
type Config struct {
	Queue       string
	WorkerLimit int
	TaskTimeout time.Duration
	PopTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerLimit <= 0 {
		c.WorkerLimit = 2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	return c
}

// Dispatcher pops envelopes and routes them to registered handlers.
type Dispatcher struct {
	cfg     Config
	queue   *queue.Queue
	log     *zap.Logger
	metrics *metrics.DispatcherMetrics

	handlers map[string]HandlerFunc

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config, q *queue.Queue, m *metrics.DispatcherMetrics, log *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		log:      log.Named("dispatch").With(zap.String("queue", cfg.Queue)),
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, cfg.WorkerLimit),
		inFlight: make(map[string]struct{}),
	}
}

// Register binds a handler to a task-type discriminator. Registration happens
// before Run; re-binding a type is a programming error.
func (d *Dispatcher) Register(taskType string, h HandlerFunc) error {
	if taskType == "" || h == nil {
		return errors.New("task type and handler are required")
	}
	if _, exists := d.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for %q", taskType)
	}
	d.handlers[taskType] = h
	return nil
}

// Run consumes the queue until ctx is cancelled, then drains in-flight
// handlers before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher started", zap.Int("worker_limit", d.cfg.WorkerLimit))

	for ctx.Err() == nil {
		// Backpressure: when the backlog of claimed tasks is already twice
		// the worker limit, pause instead of popping more.
		if d.inFlightCount() >= 2*d.cfg.WorkerLimit {
			sleep(ctx, 50*time.Millisecond)
			continue
		}

		env, err := d.queue.Pop(ctx, d.cfg.Queue, d.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("pop failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if env == nil {
			continue
		}

		handler, ok := d.handlers[env.Type]
		if !ok {
			d.log.Warn("unknown task type, discarding",
				zap.String("task_type", env.Type),
				zap.String("task_id", env.TaskID),
			)
			if d.metrics != nil {
				d.metrics.Dropped.WithLabelValues("unknown_type").Inc()
			}
			continue
		}

		d.track(env.TaskID)
		d.wg.Add(1)
		go d.execute(handler, env)
	}

	d.wg.Wait()
	d.log.Info("dispatcher drained")
}

func (d *Dispatcher) execute(handler HandlerFunc, env *queue.Envelope) {
	defer d.wg.Done()
	defer d.untrack(env.TaskID)

	// The semaphore is what bounds concurrent handler executions; claimed
	// envelopes wait here until a slot frees up.
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	// Handlers run detached from the consume loop's context: shutdown stops
	// popping but lets claimed tasks finish.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TaskTimeout)
	defer cancel()

	log := d.log.With(
		zap.String("task_type", env.Type),
		zap.String("task_id", env.TaskID),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if d.metrics != nil {
				d.metrics.Failed.WithLabelValues(env.Type, "panic").Inc()
			}
		}
	}()

	start := time.Now()
	err := handler(ctx, env)
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.Processed.WithLabelValues(env.Type).Inc()
		}
		log.Debug("task completed", zap.Duration("elapsed", time.Since(start)))
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("handler timed out", zap.Duration("timeout", d.cfg.TaskTimeout))
		if d.metrics != nil {
			d.metrics.Failed.WithLabelValues(env.Type, "timeout").Inc()
		}
	default:
		log.Error("handler failed", zap.Error(err))
		if d.metrics != nil {
			d.metrics.Failed.WithLabelValues(env.Type, "error").Inc()
		}
	}
}

func (d *Dispatcher) track(taskID string) {
	d.mu.Lock()
	d.inFlight[taskID] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(taskID string) {
	d.mu.Lock()
	delete(d.inFlight, taskID)
	d.mu.Unlock()
}

func (d *Dispatcher) inFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// InFlight reports the number of currently executing or claimed tasks.
func (d *Dispatcher) InFlight() int {
	return d.inFlightCount()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
