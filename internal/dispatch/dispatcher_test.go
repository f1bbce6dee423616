package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *queue.Queue) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	q := queue.New(queue.NewMemoryBroker(), node, zap.NewNop())
	if cfg.Queue == "" {
		cfg.Queue = queue.Default
	}
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = 10 * time.Millisecond
	}
	return New(cfg, q, nil, zap.NewNop()), q
}

func TestConcurrencyCeiling(t *testing.T) {
	const limit = 3
	const burst = 40

	d, q := newTestDispatcher(t, Config{WorkerLimit: limit})

	var current, peak, done int64
	err := d.Register("busy_task", func(ctx context.Context, env *queue.Envelope) error {
		n := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		atomic.AddInt64(&done, 1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < burst; i++ {
		_, err := q.Push(ctx, queue.Default, "busy_task", map[string]any{"n": i})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&done) == burst
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	assert.Zero(t, d.InFlight())
}

func TestUnknownTypeIsDiscarded(t *testing.T) {
	d, q := newTestDispatcher(t, Config{WorkerLimit: 2})

	var handled int64
	require.NoError(t, d.Register("known_task", func(ctx context.Context, env *queue.Envelope) error {
		atomic.AddInt64(&handled, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Push(ctx, queue.Default, "mystery_task", map[string]any{})
	require.NoError(t, err)
	_, err = q.Push(ctx, queue.Default, "known_task", map[string]any{})
	require.NoError(t, err)

	go d.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&handled) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerFailureDoesNotStopTheLoop(t *testing.T) {
	d, q := newTestDispatcher(t, Config{WorkerLimit: 1})

	var succeeded int64
	require.NoError(t, d.Register("failing_task", func(ctx context.Context, env *queue.Envelope) error {
		return errors.New("boom")
	}))
	require.NoError(t, d.Register("panicking_task", func(ctx context.Context, env *queue.Envelope) error {
		panic("boom")
	}))
	require.NoError(t, d.Register("ok_task", func(ctx context.Context, env *queue.Envelope) error {
		atomic.AddInt64(&succeeded, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, taskType := range []string{"failing_task", "panicking_task", "ok_task"} {
		_, err := q.Push(ctx, queue.Default, taskType, map[string]any{})
		require.NoError(t, err)
	}

	go d.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&succeeded) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsInFlight(t *testing.T) {
	d, q := newTestDispatcher(t, Config{WorkerLimit: 2})

	release := make(chan struct{})
	var finished int64
	require.NoError(t, d.Register("slow_task", func(ctx context.Context, env *queue.Envelope) error {
		<-release
		atomic.AddInt64(&finished, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 2; i++ {
		_, err := q.Push(ctx, queue.Default, "slow_task", map[string]any{})
		require.NoError(t, err)
	}

	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return d.InFlight() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
		t.Fatal("dispatcher returned before in-flight tasks drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain after handlers finished")
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&finished))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	require.NoError(t, d.Register("t", func(context.Context, *queue.Envelope) error { return nil }))
	assert.Error(t, d.Register("t", func(context.Context, *queue.Envelope) error { return nil }))
}
